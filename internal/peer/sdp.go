package peer

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/rtcheap/consult-manager/internal/call"
)

const (
	offerType  = webrtc.SDPTypeOffer
	answerType = webrtc.SDPTypeAnswer
)

// describe builds the session description announcing the local tracks.
// Muted tracks are still announced, only their direction changes.
func describe(sdpType webrtc.SDPType, identity string, media call.LocalMedia) (webrtc.SessionDescription, error) {
	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create session description: %w", err)
	}
	desc.SessionName = sdp.SessionName(identity)

	for i, track := range media.Tracks() {
		m := sdp.NewJSEPMediaDescription(string(track.Kind()), nil).
			WithValueAttribute(sdp.AttrKeyMID, strconv.Itoa(i)).
			WithPropertyAttribute(direction(track))
		if track.Kind() == call.TrackVideo {
			m = m.WithCodec(96, "VP8", 90000, 0, "")
		} else {
			m = m.WithCodec(111, "opus", 48000, 2, "minptime=10;useinbandfec=1")
		}
		desc = desc.WithMedia(m)
	}

	raw, err := desc.Marshal()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to marshal session description: %w", err)
	}

	return webrtc.SessionDescription{Type: sdpType, SDP: string(raw)}, nil
}

func direction(track call.Track) string {
	if track.Enabled() {
		return sdp.AttrKeySendRecv
	}
	return sdp.AttrKeyRecvOnly
}

// mediaKinds media announced in a remote session description.
func mediaKinds(desc *webrtc.SessionDescription) ([]string, error) {
	if desc == nil {
		return nil, errors.New("missing session description")
	}

	parsed, err := desc.Unmarshal()
	if err != nil {
		return nil, err
	}

	kinds := make([]string, 0, len(parsed.MediaDescriptions))
	for _, m := range parsed.MediaDescriptions {
		kinds = append(kinds, m.MediaName.Media)
	}
	return kinds, nil
}
