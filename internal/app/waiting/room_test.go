package waiting

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/app/media"
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/core/coretest"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	doctor  = domain.Participant{ID: "dr-1", DisplayName: "Dr. Rossi"}
	patient = domain.Participant{ID: "pt-1", DisplayName: "Anna"}
)

type roomRig struct {
	capt     *coretest.Capturer
	gw       *media.Gateway
	presence *coretest.Presence
	room     *Room
}

func newRoomRig(t *testing.T) *roomRig {
	t.Helper()
	r := &roomRig{capt: &coretest.Capturer{}, presence: coretest.NewPresence()}
	r.gw = media.NewGateway(r.capt, nil)
	spec := call.Spec{ID: "apt-7", Role: domain.RoleResponder, Local: patient, Remote: doctor}
	cfg := Config{PollInterval: 10 * time.Millisecond, Constraints: core.Constraints{Audio: true, Video: true}}
	r.room = NewRoom(spec, cfg, r.gw, r.presence)
	t.Cleanup(r.room.Leave)
	return r
}

type opener struct {
	got  *media.TrackSet
	spec call.Spec
	err  error
	gw   *media.Gateway
}

func (o *opener) Open(_ context.Context, spec call.Spec, ts *media.TrackSet) (*call.Session, error) {
	o.got, o.spec = ts, spec
	if o.err != nil {
		o.gw.Release(ts)
		return nil, o.err
	}
	return nil, nil
}

func TestRoom_DevicesReadyAndPresence(t *testing.T) {
	r := newRoomRig(t)
	events, cancel := r.room.Subscribe()
	defer cancel()

	require.NoError(t, r.room.Start(context.Background()))
	assert.Equal(t, domain.GateDevicesReady, r.room.State())
	assert.Equal(t, domain.PresenceOffline, r.room.CounterpartStatus())
	assert.False(t, r.room.CanJoin())

	ev := <-events
	ready, ok := ev.(DevicesReady)
	require.True(t, ok)
	assert.Len(t, ready.TrackIDs, 2)

	r.presence.Set(doctor.ID, domain.PresenceBusy)
	require.Eventually(t, func() bool { return r.room.CounterpartStatus() == domain.PresenceBusy }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, r.room.CanJoin())

	r.presence.Set(doctor.ID, domain.PresenceAvailable)
	require.Eventually(t, r.room.CanJoin, 2*time.Second, 5*time.Millisecond)

	var statuses []domain.PresenceStatus
	for len(statuses) < 2 {
		if sc, ok := (<-events).(CounterpartStatusChanged); ok {
			statuses = append(statuses, sc.Status)
		}
	}
	assert.Equal(t, []domain.PresenceStatus{domain.PresenceBusy, domain.PresenceAvailable}, statuses)
}

func TestRoom_DeviceErrorAndRetry(t *testing.T) {
	r := newRoomRig(t)
	r.capt.UserErr = core.ErrPermissionDenied
	events, cancel := r.room.Subscribe()
	defer cancel()

	require.NoError(t, r.room.Start(context.Background()))
	assert.Equal(t, domain.GateDevicesError, r.room.State())
	assert.ErrorIs(t, r.room.DeviceError(), core.ErrPermissionDenied)
	de, ok := (<-events).(DeviceError)
	require.True(t, ok)
	assert.ErrorIs(t, de.Reason, core.ErrPermissionDenied)

	r.capt.UserErr = nil
	require.NoError(t, r.room.RetryDevices(context.Background()))
	assert.Equal(t, domain.GateDevicesReady, r.room.State())
	assert.NoError(t, r.room.DeviceError())

	assert.ErrorIs(t, r.room.RetryDevices(context.Background()), core.ErrInvalidState)
}

func TestRoom_LeaveReleasesMedia(t *testing.T) {
	r := newRoomRig(t)
	require.NoError(t, r.room.Start(context.Background()))
	require.Equal(t, 2, r.capt.Open())

	r.room.Leave()
	assert.Equal(t, domain.GateLeft, r.room.State())
	assert.Zero(t, r.capt.Open())
	assert.Zero(t, r.gw.ActiveTracks())

	r.room.Leave()
	assert.Zero(t, r.capt.Open())
	assert.False(t, r.room.ToggleVideo())
}

func TestRoom_JoinRequiresReadyAndAvailable(t *testing.T) {
	r := newRoomRig(t)
	require.NoError(t, r.room.Start(context.Background()))

	o := &opener{gw: r.gw}
	_, err := r.room.Join(context.Background(), o)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Nil(t, o.got)
	assert.Equal(t, domain.GateDevicesReady, r.room.State())
}

func TestRoom_JoinHandsOffMedia(t *testing.T) {
	r := newRoomRig(t)
	r.presence.Set(doctor.ID, domain.PresenceAvailable)
	require.NoError(t, r.room.Start(context.Background()))
	require.True(t, r.room.CanJoin())

	// preview state carries into the call
	assert.False(t, r.room.ToggleVideo())

	o := &opener{gw: r.gw}
	_, err := r.room.Join(context.Background(), o)
	require.NoError(t, err)
	require.NotNil(t, o.got)
	assert.Equal(t, domain.SessionID("apt-7"), o.spec.ID)
	assert.False(t, o.got.Enabled(domain.TrackVideo))
	assert.True(t, o.got.Enabled(domain.TrackAudio))
	assert.Equal(t, domain.GateJoined, r.room.State())

	// leaving after join must not touch the handed-off media
	r.room.Leave()
	assert.False(t, o.got.Released())
	assert.Equal(t, 2, r.capt.Open())
	r.gw.Release(o.got)

	waited := r.room.WaitingTime()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, waited, r.room.WaitingTime())
}

func TestRoom_JoinOpenFailure(t *testing.T) {
	r := newRoomRig(t)
	r.presence.Set(doctor.ID, domain.PresenceAvailable)
	require.NoError(t, r.room.Start(context.Background()))

	o := &opener{gw: r.gw, err: errors.New("signaling down")}
	_, err := r.room.Join(context.Background(), o)
	require.Error(t, err)
	assert.Zero(t, r.capt.Open())
}

func TestRoom_JoinWithCallManager(t *testing.T) {
	r := newRoomRig(t)
	r.presence.Set(doctor.ID, domain.PresenceAvailable)
	require.NoError(t, r.room.Start(context.Background()))

	peers := &coretest.PeerFactory{}
	mgr := call.NewManager(call.Config{}, call.Deps{Gateway: r.gw, NewPeer: peers.New}, coretest.NewSignal())
	defer mgr.Close()

	sess, err := r.room.Join(context.Background(), mgr)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingOffer, sess.State())
	assert.Equal(t, 2, r.capt.Open())

	sess.EndCall()
	assert.Zero(t, r.capt.Open())
}

func TestRoom_StartTwice(t *testing.T) {
	r := newRoomRig(t)
	require.NoError(t, r.room.Start(context.Background()))
	assert.ErrorIs(t, r.room.Start(context.Background()), core.ErrInvalidState)
}

func TestRoom_StartAfterLeave(t *testing.T) {
	r := newRoomRig(t)
	r.room.Leave()

	assert.ErrorIs(t, r.room.Start(context.Background()), core.ErrInvalidState)
	assert.Equal(t, domain.GateLeft, r.room.State())
	assert.Zero(t, r.capt.Open())
	assert.Zero(t, r.gw.ActiveTracks())
	assert.Zero(t, r.room.WaitingTime())
}

func TestRoom_StartAfterLeaveStartsNoPolling(t *testing.T) {
	r := newRoomRig(t)
	before := runtime.NumGoroutine()
	for range 50 {
		room := NewRoom(r.room.Spec(), Config{PollInterval: time.Millisecond}, r.gw, r.presence)
		room.Leave()
		require.ErrorIs(t, room.Start(context.Background()), core.ErrInvalidState)
	}
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= before+2 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, r.capt.Open())
}

func TestRoom_PresenceErrorKeepsLastStatus(t *testing.T) {
	r := newRoomRig(t)
	r.presence.Set(doctor.ID, domain.PresenceAvailable)
	require.NoError(t, r.room.Start(context.Background()))
	require.Equal(t, domain.PresenceAvailable, r.room.CounterpartStatus())

	r.presence.SetErr(errors.New("relay unreachable"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.PresenceAvailable, r.room.CounterpartStatus())
}

func TestRooms_Registry(t *testing.T) {
	capt := &coretest.Capturer{}
	gw := media.NewGateway(capt, nil)
	rooms := NewRooms(Config{Constraints: core.Constraints{Audio: true}}, gw, coretest.NewPresence())

	room, err := rooms.Create(call.Spec{ID: "r1", Role: domain.RoleInitiator, Remote: patient})
	require.NoError(t, err)
	_, err = rooms.Create(call.Spec{ID: "r1"})
	assert.ErrorIs(t, err, ErrRoomExists)

	require.NoError(t, room.Start(context.Background()))
	got, ok := rooms.Get("r1")
	require.True(t, ok)
	assert.Same(t, room, got)
	require.Len(t, rooms.List(), 1)
	assert.Equal(t, domain.GateDevicesReady, rooms.List()[0].State)

	rooms.Remove("r1")
	_, ok = rooms.Get("r1")
	assert.False(t, ok)
	assert.Zero(t, capt.Open())
}
