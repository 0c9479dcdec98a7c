// Package call brings up the media channel between the doctor and the patient of a room.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/consult-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("consult-manager/call")

// DefaultRetryInterval time between patient connection attempts.
const DefaultRetryInterval = 3 * time.Second

// Room errors.
var (
	ErrMediaAcquisition        = errors.New("failed to acquire local media")
	ErrConnectionAttemptFailed = errors.New("connection attempt failed")
	ErrRoomClosed              = errors.New("room closed")
	ErrAlreadyEntered          = errors.New("room already entered")
	ErrNoVideoTrack            = errors.New("call has no video track")
	ErrNoCompleter             = errors.New("no completer configured")
	ErrStatusFeedLost          = errors.New("session status feed lost")
)

// MediaError failure to capture a track.
type MediaError struct {
	Kind TrackKind
	Err  error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrMediaAcquisition, e.Kind, e.Err)
}

// Is matches ErrMediaAcquisition.
func (e *MediaError) Is(target error) bool {
	return target == ErrMediaAcquisition
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// Prometheus metrics.
var (
	connectionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_attempts_total",
			Help: "The total number of peer connection attempts by outcome",
		},
		[]string{"outcome"},
	)
	connectionAttemptsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connection_attempts_in_flight",
			Help: "Number of peer connection attempts awaiting an answer",
		},
	)
)

type attemptResult struct {
	stream Stream
	err    error
}

// Room one participant's visit to a consultation room.
//
// Enter acquires media, registers the participant's endpoint identity and
// starts the role specific loop: the doctor answers the first offer, the
// patient offers to the doctor every RetryInterval until a channel is up.
// Leave and End release everything Enter acquired.
type Room struct {
	RoomID        string
	Role          models.Role
	CallKind      models.CallKind
	RetryInterval time.Duration

	Devices   MediaDevices
	Channel   PeerChannel
	Observer  StatusObserver
	Completer Completer

	// OnStream is called from the room's goroutine when a channel comes up.
	OnStream func(Stream)

	mu           sync.Mutex
	entered      bool
	left         bool
	media        LocalMedia
	registration Registration
	stream       Stream
	status       models.Status
	err          error
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	guard        attemptGuard

	initOnce  sync.Once
	leaveOnce sync.Once
	done      chan struct{}
}

// Enter acquires local media, registers on the peer channel and starts connecting.
func (r *Room) Enter(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if r.entered {
		r.mu.Unlock()
		return ErrAlreadyEntered
	}
	r.entered = true
	r.mu.Unlock()

	media, err := r.acquireMedia(ctx)
	if err != nil {
		r.Leave()
		return err
	}

	identity := r.Role.Identity(r.RoomID)
	registration, err := r.Channel.Register(ctx, identity)
	if err != nil {
		media.release()
		r.Leave()
		return fmt.Errorf("failed to register %s: %w", identity, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var statuses <-chan models.Status
	if r.Observer != nil {
		statuses, err = r.Observer.Observe(runCtx, r.RoomID)
		if err != nil {
			cancel()
			closeRegistration(registration)
			media.release()
			r.Leave()
			return fmt.Errorf("failed to observe room %s: %w", r.RoomID, err)
		}
	}

	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		cancel()
		closeRegistration(registration)
		media.release()
		return ErrRoomClosed
	}
	r.media = media
	r.registration = registration
	r.cancel = cancel
	r.wg.Add(1)
	if statuses != nil {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if statuses != nil {
		go r.watchStatus(statuses)
	}
	if r.Role == models.RoleDoctor {
		go r.listen(runCtx, registration, media)
	} else {
		go r.dial(runCtx, registration, media)
	}

	log.Info("Entered room",
		zap.String("roomId", r.RoomID),
		zap.String("identity", identity),
		zap.String("callKind", string(r.CallKind)))
	return nil
}

// End leaves the room. A doctor also completes the session.
func (r *Room) End(ctx context.Context) error {
	r.Leave()
	if r.Role != models.RoleDoctor {
		return nil
	}
	if r.Completer == nil {
		return ErrNoCompleter
	}

	err := r.Completer.Complete(ctx, r.RoomID)
	if err != nil {
		return fmt.Errorf("failed to complete room %s: %w", r.RoomID, err)
	}

	log.Info("Completed consultation", zap.String("roomId", r.RoomID))
	return nil
}

// Leave stops connecting, closes the channel and registration and releases
// captured media. Safe to call repeatedly and concurrently.
func (r *Room) Leave() {
	r.leaveOnce.Do(func() {
		r.mu.Lock()
		r.left = true
		cancel := r.cancel
		r.mu.Unlock()

		r.guard.stop()
		if cancel != nil {
			cancel()
		}
		r.wg.Wait()

		r.mu.Lock()
		stream, registration, media := r.stream, r.registration, r.media
		r.stream, r.registration, r.media = nil, nil, LocalMedia{}
		r.mu.Unlock()

		if stream != nil {
			if err := stream.Close(); err != nil {
				log.Warn("failed to close stream", zap.String("roomId", r.RoomID), zap.Error(err))
			}
		}
		if registration != nil {
			closeRegistration(registration)
		}
		media.release()

		close(r.doneChannel())
		log.Info("Left room", zap.String("roomId", r.RoomID), zap.String("role", string(r.Role)))
	})
}

// Done is closed once the room has been left.
func (r *Room) Done() <-chan struct{} {
	return r.doneChannel()
}

// SetMuted disables or enables the local audio track.
func (r *Room) SetMuted(muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.left || r.media.Audio == nil {
		return ErrRoomClosed
	}

	r.media.Audio.SetEnabled(!muted)
	return nil
}

// SetCameraOff disables or enables the local video track.
func (r *Room) SetCameraOff(off bool) error {
	if !r.CallKind.HasVideo() {
		return ErrNoVideoTrack
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.left || r.media.Video == nil {
		return ErrRoomClosed
	}

	r.media.Video.SetEnabled(!off)
	return nil
}

// Connected reports whether a channel to the remote participant is up.
func (r *Room) Connected() bool {
	return r.guard.current() == attemptConnected
}

// State of the connection attempt guard.
func (r *Room) State() string {
	return r.guard.current().String()
}

// Attempts number of connection attempts started, offered or answered.
func (r *Room) Attempts() int {
	return r.guard.attempts()
}

// Status last observed session status.
func (r *Room) Status() models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err reports why the room closed itself, nil while open or after a plain Leave.
func (r *Room) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Room) dial(ctx context.Context, registration Registration, media LocalMedia) {
	defer r.wg.Done()

	remote := models.DoctorIdentity(r.RoomID)
	results := make(chan attemptResult)
	ticker := time.NewTicker(r.retryInterval())
	defer ticker.Stop()

	r.attempt(ctx, registration, remote, media, results)

	var closed <-chan struct{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.attempt(ctx, registration, remote, media, results)
		case res := <-results:
			if res.err != nil {
				r.guard.fail()
				connectionAttemptsTotal.WithLabelValues("failed").Inc()
				log.Debug("connection attempt failed", zap.String("remote", remote), zap.Error(res.err))
				continue
			}
			if !r.established(res.stream) {
				return
			}
			closed = res.stream.Closed()
		case <-closed:
			closed = nil
			r.lost()
		}
	}
}

// attempt starts a connection attempt unless one is in flight or a channel is up.
// The result of an attempt that outlives ctx is discarded.
func (r *Room) attempt(ctx context.Context, registration Registration, remote string, media LocalMedia, results chan<- attemptResult) {
	if !r.guard.begin() {
		return
	}

	connectionAttemptsTotal.WithLabelValues("started").Inc()
	connectionAttemptsInFlight.Inc()
	go func() {
		stream, err := registration.Connect(ctx, remote, media)
		connectionAttemptsInFlight.Dec()
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrConnectionAttemptFailed, err)
		}

		select {
		case results <- attemptResult{stream: stream, err: err}:
		case <-ctx.Done():
			if stream != nil {
				stream.Close()
			}
			connectionAttemptsTotal.WithLabelValues("discarded").Inc()
		}
	}()
}

func (r *Room) listen(ctx context.Context, registration Registration, media LocalMedia) {
	defer r.wg.Done()

	caller := models.PatientIdentity(r.RoomID)
	incoming := registration.Incoming()

	var closed <-chan struct{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			closed = nil
			r.lost()
		case offer, ok := <-incoming:
			if !ok {
				return
			}
			if offer.From() != caller {
				decline(offer, "unknown caller")
				continue
			}
			if !r.guard.begin() {
				decline(offer, "busy")
				continue
			}

			connectionAttemptsTotal.WithLabelValues("started").Inc()
			stream, err := offer.Answer(ctx, media)
			if err != nil {
				r.guard.fail()
				connectionAttemptsTotal.WithLabelValues("failed").Inc()
				log.Debug("failed to answer offer", zap.String("from", offer.From()), zap.Error(err))
				continue
			}
			if !r.established(stream) {
				return
			}
			closed = stream.Closed()
		}
	}
}

// established records a channel that came up. Returns false if the room is being left.
func (r *Room) established(stream Stream) bool {
	if !r.guard.connect() {
		stream.Close()
		connectionAttemptsTotal.WithLabelValues("discarded").Inc()
		return false
	}

	r.mu.Lock()
	r.stream = stream
	r.mu.Unlock()

	connectionAttemptsTotal.WithLabelValues("connected").Inc()
	log.Info("Connected", zap.String("roomId", r.RoomID), zap.String("remote", stream.Remote()))
	if r.OnStream != nil {
		r.OnStream(stream)
	}
	return true
}

// lost clears a channel closed by the remote so the room may connect again.
func (r *Room) lost() {
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	r.mu.Unlock()

	if stream != nil {
		stream.Close()
		log.Info("Remote hung up", zap.String("roomId", r.RoomID), zap.String("remote", stream.Remote()))
	}
	r.guard.disconnect()
}

// watchStatus records observed statuses and leaves the room once the session
// is completed or the observer gave up on the feed.
func (r *Room) watchStatus(statuses <-chan models.Status) {
	defer r.wg.Done()

	for status := range statuses {
		r.mu.Lock()
		r.status = status
		r.mu.Unlock()

		if status == models.StatusCompleted {
			log.Info("Session completed, leaving room", zap.String("roomId", r.RoomID))
			go r.Leave()
		}
	}

	r.mu.Lock()
	if r.left || r.status == models.StatusCompleted {
		r.mu.Unlock()
		return
	}
	r.err = ErrStatusFeedLost
	r.mu.Unlock()

	log.Error("status feed lost, leaving room", zap.String("roomId", r.RoomID), zap.Error(ErrStatusFeedLost))
	go r.Leave()
}

func (r *Room) acquireMedia(ctx context.Context) (LocalMedia, error) {
	media := LocalMedia{}

	audio, err := r.Devices.Capture(ctx, TrackAudio)
	if err != nil {
		return media, &MediaError{Kind: TrackAudio, Err: err}
	}
	media.Audio = audio

	if !r.CallKind.HasVideo() {
		return media, nil
	}

	video, err := r.Devices.Capture(ctx, TrackVideo)
	if err != nil {
		media.release()
		return LocalMedia{}, &MediaError{Kind: TrackVideo, Err: err}
	}
	media.Video = video

	return media, nil
}

func (r *Room) validate() error {
	if r.RoomID == "" {
		return errors.New("room id is required")
	}
	if r.Role != models.RoleDoctor && r.Role != models.RolePatient {
		return fmt.Errorf("unknown role %q", r.Role)
	}
	if !r.CallKind.Valid() {
		return fmt.Errorf("unknown call kind %q", r.CallKind)
	}
	if r.Devices == nil || r.Channel == nil {
		return errors.New("media devices and peer channel are required")
	}
	return nil
}

func (r *Room) retryInterval() time.Duration {
	if r.RetryInterval <= 0 {
		return DefaultRetryInterval
	}
	return r.RetryInterval
}

func (r *Room) doneChannel() chan struct{} {
	r.initOnce.Do(func() {
		r.done = make(chan struct{})
	})
	return r.done
}

func decline(offer IncomingCall, reason string) {
	err := offer.Decline(reason)
	if err != nil {
		log.Debug("failed to decline offer", zap.String("from", offer.From()), zap.Error(err))
	}
}

func closeRegistration(registration Registration) {
	err := registration.Close()
	if err != nil {
		log.Warn("failed to close registration", zap.String("identity", registration.Identity()), zap.Error(err))
	}
}
