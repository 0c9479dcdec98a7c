package service

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// DefaultRoomPrefix prefix of generated room ids.
const DefaultRoomPrefix = "DENTAL"

// roomAlphabet 32 symbols without 0/O and 1/I, so ids survive being read aloud or retyped.
const roomAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// roomIDLength symbols per room id, 5 bits each.
const roomIDLength = 8

const labelAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newRoomID(prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultRoomPrefix
	}

	token, err := randomString(roomAlphabet, roomIDLength)
	if err != nil {
		return "", err
	}

	return strings.ToUpper(prefix) + "-" + token, nil
}

func newParticipantLabel() (string, error) {
	token, err := randomString(labelAlphabet, 4)
	if err != nil {
		return "", err
	}

	return "Patient-" + token, nil
}

func randomString(alphabet string, length int) (string, error) {
	buf := make([]byte, length)
	_, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("failed to read random bytes %w", err)
	}

	n := byte(len(alphabet))
	limit := 256 - 256%int(n)
	out := make([]byte, 0, length)
	for len(out) < length {
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[b%n])
			if len(out) == length {
				break
			}
		}

		if len(out) < length {
			_, err = rand.Read(buf)
			if err != nil {
				return "", fmt.Errorf("failed to read random bytes %w", err)
			}
		}
	}

	return string(out), nil
}
