package call

import (
	"context"
	"errors"
	"sync"
)

// TrackKind kind of captured media.
type TrackKind string

// Track kinds.
const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track a local capture track.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
}

// MediaDevices acquires local capture tracks.
type MediaDevices interface {
	Capture(ctx context.Context, kind TrackKind) (Track, error)
}

// LocalMedia tracks captured for a room visit. Video is nil on audio calls.
type LocalMedia struct {
	Audio Track
	Video Track
}

// Tracks returns the captured tracks.
func (m LocalMedia) Tracks() []Track {
	tracks := make([]Track, 0, 2)
	if m.Audio != nil {
		tracks = append(tracks, m.Audio)
	}
	if m.Video != nil {
		tracks = append(tracks, m.Video)
	}
	return tracks
}

// release stops every captured track.
func (m LocalMedia) release() {
	for _, track := range m.Tracks() {
		if err := track.Stop(); err != nil {
			log.Warn("failed to stop track")
		}
	}
}

// ErrDeviceUnavailable returned by SyntheticDevices for kinds marked unavailable.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// SyntheticDevices MediaDevices producing tracks that carry no media. Used by
// headless agents and tests, where only track state matters.
type SyntheticDevices struct {
	Unavailable map[TrackKind]bool

	mu     sync.Mutex
	active map[*SyntheticTrack]struct{}
}

// Capture returns a new enabled track of kind.
func (d *SyntheticDevices) Capture(ctx context.Context, kind TrackKind) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Unavailable[kind] {
		return nil, ErrDeviceUnavailable
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		d.active = make(map[*SyntheticTrack]struct{})
	}

	t := &SyntheticTrack{kind: kind, enabled: true, devices: d}
	d.active[t] = struct{}{}
	return t, nil
}

// Active number of captured tracks not yet stopped.
func (d *SyntheticDevices) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *SyntheticDevices) stopped(t *SyntheticTrack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, t)
}

// SyntheticTrack track handed out by SyntheticDevices.
type SyntheticTrack struct {
	mu      sync.Mutex
	kind    TrackKind
	enabled bool
	stopped bool
	devices *SyntheticDevices
}

// Kind of the track.
func (t *SyntheticTrack) Kind() TrackKind {
	return t.kind
}

// Enabled reports whether the track produces media.
func (t *SyntheticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

// SetEnabled mutes or unmutes the track.
func (t *SyntheticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Stopped reports whether the device handle was released.
func (t *SyntheticTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stop releases the device handle.
func (t *SyntheticTrack) Stop() error {
	t.mu.Lock()
	already := t.stopped
	t.stopped = true
	t.mu.Unlock()

	if !already && t.devices != nil {
		t.devices.stopped(t)
	}
	return nil
}
