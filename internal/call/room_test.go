package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rtcheap/consult-manager/internal/call"
	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/stretchr/testify/assert"
)

const roomID = "DENTAL-ROOM2345"

func TestPatient_RetriesWithoutDoctor(t *testing.T) {
	assert := assert.New(t)
	devices := &recordingDevices{}
	channel := &fakeChannel{
		connect: func(ctx context.Context, remote string) (call.Stream, error) {
			time.Sleep(25 * time.Millisecond)
			return nil, errors.New("doctor-" + roomID + " not registered")
		},
	}

	room := &call.Room{
		RoomID:        roomID,
		Role:          models.RolePatient,
		CallKind:      models.CallVideo,
		RetryInterval: 5 * time.Millisecond,
		Devices:       devices,
		Channel:       channel,
	}
	err := room.Enter(context.Background())
	assert.NoError(err)
	assert.Equal(2, devices.Active())
	assert.Equal([]string{models.PatientIdentity(roomID)}, channel.identities())

	time.Sleep(250 * time.Millisecond)
	calls, maxInFlight := channel.stats()
	assert.True(calls >= 4, "expected repeated attempts")
	assert.Equal(1, maxInFlight)
	assert.False(room.Connected())
	assert.True(room.Attempts() >= calls)
	assert.Equal([]string{models.DoctorIdentity(roomID)}, channel.remotes())

	room.Leave()
	assertClosed(t, room.Done())
	assert.Equal(0, devices.Active())
	assert.True(channel.registration(models.PatientIdentity(roomID)).isClosed())
	assert.Equal("stopped", room.State())

	left, _ := channel.stats()
	time.Sleep(50 * time.Millisecond)
	after, maxInFlight := channel.stats()
	assert.True(after <= left+1, "attempts continued after leave")
	assert.Equal(1, maxInFlight)
}

func TestPatient_StopsAttemptingOnceConnected(t *testing.T) {
	assert := assert.New(t)
	devices := &recordingDevices{}
	stream := newFakeStream(models.DoctorIdentity(roomID))
	channel := &fakeChannel{}
	channel.connect = func(ctx context.Context, remote string) (call.Stream, error) {
		if calls, _ := channel.stats(); calls < 3 {
			return nil, errors.New("no answer")
		}
		return stream, nil
	}

	streams := make(chan call.Stream, 1)
	room := &call.Room{
		RoomID:        roomID,
		Role:          models.RolePatient,
		CallKind:      models.CallAudio,
		RetryInterval: 5 * time.Millisecond,
		Devices:       devices,
		Channel:       channel,
		OnStream: func(s call.Stream) {
			streams <- s
		},
	}
	defer room.Leave()

	err := room.Enter(context.Background())
	assert.NoError(err)
	assert.Equal(1, devices.Active())

	select {
	case s := <-streams:
		assert.Equal(models.DoctorIdentity(roomID), s.Remote())
	case <-time.After(time.Second):
		t.Fatal("no stream established")
	}
	assert.True(room.Connected())

	calls, _ := channel.stats()
	time.Sleep(50 * time.Millisecond)
	after, _ := channel.stats()
	assert.Equal(calls, after)

	room.Leave()
	assert.True(stream.isClosed())
	assert.Equal(0, devices.Active())
}

func TestPatient_ReconnectsAfterRemoteHangsUp(t *testing.T) {
	assert := assert.New(t)
	channel := &fakeChannel{}
	first := newFakeStream(models.DoctorIdentity(roomID))
	second := newFakeStream(models.DoctorIdentity(roomID))
	channel.connect = func(ctx context.Context, remote string) (call.Stream, error) {
		if calls, _ := channel.stats(); calls == 1 {
			return first, nil
		}
		return second, nil
	}

	streams := make(chan call.Stream, 2)
	room := &call.Room{
		RoomID:        roomID,
		Role:          models.RolePatient,
		CallKind:      models.CallAudio,
		RetryInterval: 5 * time.Millisecond,
		Devices:       &recordingDevices{},
		Channel:       channel,
		OnStream: func(s call.Stream) {
			streams <- s
		},
	}
	defer room.Leave()

	assert.NoError(room.Enter(context.Background()))
	assert.Equal(first, receiveStream(t, streams))

	first.Close()
	assert.Equal(second, receiveStream(t, streams))
	assert.True(room.Connected())
}

func TestLeave_DiscardsLateAttempt(t *testing.T) {
	assert := assert.New(t)
	devices := &recordingDevices{}
	late := newFakeStream(models.DoctorIdentity(roomID))
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	channel := &fakeChannel{
		connect: func(ctx context.Context, remote string) (call.Stream, error) {
			started <- struct{}{}
			<-release
			return late, nil
		},
	}

	room := &call.Room{
		RoomID:   roomID,
		Role:     models.RolePatient,
		CallKind: models.CallVideo,
		Devices:  devices,
		Channel:  channel,
		OnStream: func(s call.Stream) {
			t.Error("late stream was delivered")
		},
	}
	assert.NoError(room.Enter(context.Background()))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("attempt did not start")
	}

	room.Leave()
	assert.Equal(0, devices.Active())

	close(release)
	assertClosed(t, late.closed)
	assert.False(room.Connected())
}

func TestDoctor_AnswersFirstOffer(t *testing.T) {
	assert := assert.New(t)
	devices := &recordingDevices{}
	channel := &fakeChannel{}
	streams := make(chan call.Stream, 1)

	room := &call.Room{
		RoomID:   roomID,
		Role:     models.RoleDoctor,
		CallKind: models.CallVideo,
		Devices:  devices,
		Channel:  channel,
		OnStream: func(s call.Stream) {
			streams <- s
		},
	}
	defer room.Leave()
	assert.NoError(room.Enter(context.Background()))

	reg := channel.registration(models.DoctorIdentity(roomID))
	assert.NotNil(reg)

	stranger := newFakeOffer("patient-DENTAL-OTHER234")
	reg.incoming <- stranger
	assert.Equal("unknown caller", stranger.waitDeclined(t))

	first := newFakeOffer(models.PatientIdentity(roomID))
	reg.incoming <- first
	s := receiveStream(t, streams)
	assert.Equal(models.PatientIdentity(roomID), s.Remote())
	assert.True(room.Connected())
	assert.Len(first.answeredWith.Tracks(), 2)

	second := newFakeOffer(models.PatientIdentity(roomID))
	reg.incoming <- second
	assert.Equal("busy", second.waitDeclined(t))

	room.Leave()
	assert.True(first.stream.isClosed())
	assert.True(reg.isClosed())
	assert.Equal(0, devices.Active())
}

func TestEnter_MediaAcquisitionFailure(t *testing.T) {
	assert := assert.New(t)
	devices := &recordingDevices{}
	devices.Unavailable = map[call.TrackKind]bool{call.TrackVideo: true}
	channel := &fakeChannel{}

	room := &call.Room{
		RoomID:   roomID,
		Role:     models.RolePatient,
		CallKind: models.CallVideo,
		Devices:  devices,
		Channel:  channel,
	}
	err := room.Enter(context.Background())
	assert.True(errors.Is(err, call.ErrMediaAcquisition))
	assert.True(errors.Is(err, call.ErrDeviceUnavailable))

	var mediaErr *call.MediaError
	assert.True(errors.As(err, &mediaErr))
	assert.Equal(call.TrackVideo, mediaErr.Kind)

	assert.Equal(0, devices.Active())
	assert.Len(channel.identities(), 0)
	assertClosed(t, room.Done())

	err = room.Enter(context.Background())
	assert.Equal(call.ErrRoomClosed, err)
}

func TestEnter_Twice(t *testing.T) {
	assert := assert.New(t)
	room := &call.Room{
		RoomID:   roomID,
		Role:     models.RoleDoctor,
		CallKind: models.CallAudio,
		Devices:  &recordingDevices{},
		Channel:  &fakeChannel{},
	}
	defer room.Leave()

	assert.NoError(room.Enter(context.Background()))
	assert.Equal(call.ErrAlreadyEntered, room.Enter(context.Background()))

	invalid := &call.Room{RoomID: roomID, Role: "nurse", CallKind: models.CallAudio}
	assert.Error(invalid.Enter(context.Background()))
}

func TestCompletedStatus_LeavesRoom(t *testing.T) {
	assert := assert.New(t)
	devices := &recordingDevices{}
	observer := newFakeObserver()
	channel := &fakeChannel{
		connect: func(ctx context.Context, remote string) (call.Stream, error) {
			return nil, errors.New("no doctor")
		},
	}

	room := &call.Room{
		RoomID:        roomID,
		Role:          models.RolePatient,
		CallKind:      models.CallVideo,
		RetryInterval: 5 * time.Millisecond,
		Devices:       devices,
		Channel:       channel,
		Observer:      observer,
	}
	assert.NoError(room.Enter(context.Background()))

	observer.statuses <- models.StatusWaiting
	observer.statuses <- models.StatusWaiting
	observer.statuses <- models.StatusCompleted

	assertClosed(t, room.Done())
	assertClosed(t, observer.stopped)
	assert.Equal(models.StatusCompleted, room.Status())
	assert.Equal(0, devices.Active())
	assert.True(channel.registration(models.PatientIdentity(roomID)).isClosed())
}

func TestLostStatusFeed_LeavesRoom(t *testing.T) {
	assert := assert.New(t)
	devices := &recordingDevices{}
	observer := newFakeObserver()
	channel := &fakeChannel{
		connect: func(ctx context.Context, remote string) (call.Stream, error) {
			return nil, errors.New("no doctor")
		},
	}

	room := &call.Room{
		RoomID:        roomID,
		Role:          models.RolePatient,
		CallKind:      models.CallAudio,
		RetryInterval: 5 * time.Millisecond,
		Devices:       devices,
		Channel:       channel,
		Observer:      observer,
	}
	assert.NoError(room.Enter(context.Background()))
	assert.NoError(room.Err())

	observer.statuses <- models.StatusWaiting
	close(observer.lost)

	assertClosed(t, room.Done())
	assert.Equal(call.ErrStatusFeedLost, room.Err())
	assert.Equal(models.StatusWaiting, room.Status())
	assert.Equal(0, devices.Active())
}

func TestLeave_KeepsErrEmpty(t *testing.T) {
	assert := assert.New(t)
	observer := newFakeObserver()
	room := &call.Room{
		RoomID:   roomID,
		Role:     models.RoleDoctor,
		CallKind: models.CallAudio,
		Devices:  &recordingDevices{},
		Channel:  &fakeChannel{},
		Observer: observer,
	}
	assert.NoError(room.Enter(context.Background()))

	room.Leave()
	assertClosed(t, observer.stopped)
	assert.NoError(room.Err())
}

func TestEnd(t *testing.T) {
	assert := assert.New(t)
	completer := &fakeCompleter{}

	doctor := &call.Room{
		RoomID:    roomID,
		Role:      models.RoleDoctor,
		CallKind:  models.CallAudio,
		Devices:   &recordingDevices{},
		Channel:   &fakeChannel{},
		Completer: completer,
	}
	assert.NoError(doctor.Enter(context.Background()))
	assert.NoError(doctor.End(context.Background()))
	assert.Equal([]string{roomID}, completer.rooms)
	assertClosed(t, doctor.Done())

	patient := &call.Room{
		RoomID:    roomID,
		Role:      models.RolePatient,
		CallKind:  models.CallAudio,
		Devices:   &recordingDevices{},
		Channel:   &fakeChannel{connect: failingConnect},
		Completer: completer,
	}
	assert.NoError(patient.Enter(context.Background()))
	assert.NoError(patient.End(context.Background()))
	assert.Len(completer.rooms, 1)

	completer.err = errors.New("conflict")
	failing := &call.Room{
		RoomID:    roomID,
		Role:      models.RoleDoctor,
		CallKind:  models.CallAudio,
		Devices:   &recordingDevices{},
		Channel:   &fakeChannel{},
		Completer: completer,
	}
	assert.NoError(failing.Enter(context.Background()))
	err := failing.End(context.Background())
	assert.True(errors.Is(err, completer.err))
	assertClosed(t, failing.Done())
}

func TestMidCallControls(t *testing.T) {
	assert := assert.New(t)
	devices := &recordingDevices{}

	video := &call.Room{
		RoomID:   roomID,
		Role:     models.RoleDoctor,
		CallKind: models.CallVideo,
		Devices:  devices,
		Channel:  &fakeChannel{},
	}
	assert.NoError(video.Enter(context.Background()))

	audioTrack := devices.track(call.TrackAudio)
	videoTrack := devices.track(call.TrackVideo)
	assert.True(audioTrack.Enabled())
	assert.True(videoTrack.Enabled())

	assert.NoError(video.SetMuted(true))
	assert.False(audioTrack.Enabled())
	assert.NoError(video.SetCameraOff(true))
	assert.False(videoTrack.Enabled())
	assert.NoError(video.SetMuted(false))
	assert.True(audioTrack.Enabled())

	video.Leave()
	video.Leave()
	assert.Equal(call.ErrRoomClosed, video.SetMuted(true))
	assert.Equal(call.ErrRoomClosed, video.SetCameraOff(false))

	audio := &call.Room{
		RoomID:   roomID,
		Role:     models.RoleDoctor,
		CallKind: models.CallAudio,
		Devices:  &recordingDevices{},
		Channel:  &fakeChannel{},
	}
	defer audio.Leave()
	assert.NoError(audio.Enter(context.Background()))
	assert.Equal(call.ErrNoVideoTrack, audio.SetCameraOff(true))
	assert.NoError(audio.SetMuted(true))
}

func TestWaitForAdmission(t *testing.T) {
	assert := assert.New(t)

	observer := newFakeObserver()
	go func() {
		observer.statuses <- models.StatusPendingPayment
		observer.statuses <- models.StatusPendingPayment
		observer.statuses <- models.StatusWaiting
	}()
	err := call.WaitForAdmission(context.Background(), observer, roomID)
	assert.NoError(err)
	assertClosed(t, observer.stopped)

	completed := newFakeObserver()
	go func() {
		completed.statuses <- models.StatusCompleted
	}()
	err = call.WaitForAdmission(context.Background(), completed, roomID)
	assert.Equal(call.ErrRoomClosed, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = call.WaitForAdmission(ctx, newFakeObserver(), roomID)
	assert.True(errors.Is(err, context.DeadlineExceeded))
}

func failingConnect(ctx context.Context, remote string) (call.Stream, error) {
	return nil, errors.New("no doctor")
}

func assertClosed(t *testing.T, c <-chan struct{}) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

func receiveStream(t *testing.T, streams <-chan call.Stream) call.Stream {
	t.Helper()
	select {
	case s := <-streams:
		return s
	case <-time.After(time.Second):
		t.Fatal("no stream established")
	}
	return nil
}

type recordingDevices struct {
	call.SyntheticDevices

	mu     sync.Mutex
	tracks []call.Track
}

func (d *recordingDevices) Capture(ctx context.Context, kind call.TrackKind) (call.Track, error) {
	track, err := d.SyntheticDevices.Capture(ctx, kind)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracks = append(d.tracks, track)
	return track, nil
}

func (d *recordingDevices) track(kind call.TrackKind) call.Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, track := range d.tracks {
		if track.Kind() == kind {
			return track
		}
	}
	return nil
}

type fakeChannel struct {
	connect func(ctx context.Context, remote string) (call.Stream, error)

	mu            sync.Mutex
	registrations map[string]*fakeRegistration
	order         []string
	remoteIDs     map[string]bool
	calls         int
	inFlight      int
	maxInFlight   int
}

func (c *fakeChannel) Register(ctx context.Context, identity string) (call.Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registrations == nil {
		c.registrations = make(map[string]*fakeRegistration)
	}

	reg := &fakeRegistration{
		identity: identity,
		channel:  c,
		incoming: make(chan call.IncomingCall),
	}
	c.registrations[identity] = reg
	c.order = append(c.order, identity)
	return reg, nil
}

func (c *fakeChannel) dial(ctx context.Context, remote string) (call.Stream, error) {
	c.mu.Lock()
	c.calls++
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	if c.remoteIDs == nil {
		c.remoteIDs = make(map[string]bool)
	}
	c.remoteIDs[remote] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if c.connect == nil {
		return nil, errors.New("unreachable")
	}
	return c.connect(ctx, remote)
}

func (c *fakeChannel) stats() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.maxInFlight
}

func (c *fakeChannel) identities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.order...)
}

func (c *fakeChannel) remotes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	remotes := make([]string, 0, len(c.remoteIDs))
	for remote := range c.remoteIDs {
		remotes = append(remotes, remote)
	}
	return remotes
}

func (c *fakeChannel) registration(identity string) *fakeRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registrations[identity]
}

type fakeRegistration struct {
	identity string
	channel  *fakeChannel
	incoming chan call.IncomingCall

	mu     sync.Mutex
	closed bool
}

func (r *fakeRegistration) Identity() string {
	return r.identity
}

func (r *fakeRegistration) Connect(ctx context.Context, remote string, media call.LocalMedia) (call.Stream, error) {
	return r.channel.dial(ctx, remote)
}

func (r *fakeRegistration) Incoming() <-chan call.IncomingCall {
	return r.incoming
}

func (r *fakeRegistration) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRegistration) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeStream struct {
	remote string
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(remote string) *fakeStream {
	return &fakeStream{remote: remote, closed: make(chan struct{})}
}

func (s *fakeStream) Remote() string {
	return s.remote
}

func (s *fakeStream) Closed() <-chan struct{} {
	return s.closed
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeOffer struct {
	from         string
	stream       *fakeStream
	answeredWith call.LocalMedia
	declined     chan string
}

func newFakeOffer(from string) *fakeOffer {
	return &fakeOffer{
		from:     from,
		stream:   newFakeStream(from),
		declined: make(chan string, 1),
	}
}

func (o *fakeOffer) From() string {
	return o.from
}

func (o *fakeOffer) Answer(ctx context.Context, media call.LocalMedia) (call.Stream, error) {
	o.answeredWith = media
	return o.stream, nil
}

func (o *fakeOffer) Decline(reason string) error {
	o.declined <- reason
	return nil
}

func (o *fakeOffer) waitDeclined(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-o.declined:
		return reason
	case <-time.After(time.Second):
		t.Fatal("offer was not declined")
	}
	return ""
}

type fakeObserver struct {
	statuses chan models.Status
	// closing lost ends the feed as an observer out of retries does.
	lost    chan struct{}
	stopped chan struct{}
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{
		statuses: make(chan models.Status),
		lost:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (o *fakeObserver) Observe(ctx context.Context, roomID string) (<-chan models.Status, error) {
	out := make(chan models.Status)
	go func() {
		defer close(o.stopped)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.lost:
				return
			case status := <-o.statuses:
				select {
				case out <- status:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type fakeCompleter struct {
	rooms []string
	err   error
}

func (c *fakeCompleter) Complete(ctx context.Context, roomID string) error {
	if c.err != nil {
		return c.err
	}
	c.rooms = append(c.rooms, roomID)
	return nil
}
