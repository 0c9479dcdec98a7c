package call

import (
	"context"

	"github.com/rtcheap/consult-manager/internal/models"
)

// PeerChannel transport able to register endpoint identities.
type PeerChannel interface {
	Register(ctx context.Context, identity string) (Registration, error)
}

// Registration an endpoint identity held on a PeerChannel.
type Registration interface {
	Identity() string
	// Connect offers a channel to remote and blocks until it is answered or fails.
	Connect(ctx context.Context, remote string, media LocalMedia) (Stream, error)
	// Incoming delivers offers made to this identity. Closed with the registration.
	Incoming() <-chan IncomingCall
	Close() error
}

// IncomingCall offer received by a listening endpoint.
type IncomingCall interface {
	From() string
	Answer(ctx context.Context, media LocalMedia) (Stream, error)
	Decline(reason string) error
}

// Stream established bidirectional channel with a remote endpoint.
type Stream interface {
	Remote() string
	// Closed is closed once either side hangs up.
	Closed() <-chan struct{}
	Close() error
}

// StatusObserver delivers the status of a room, at least once per change.
type StatusObserver interface {
	Observe(ctx context.Context, roomID string) (<-chan models.Status, error)
}

// Completer completes the session held in a room.
type Completer interface {
	Complete(ctx context.Context, roomID string) error
}
