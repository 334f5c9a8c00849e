package device

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"testing"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	*webrtc.TrackLocalStaticRTP
	closes int
}

func (f *fakeSource) Close() error {
	f.closes++
	return nil
}

func newFakeTrack(t *testing.T, kind domain.TrackKind) (*Track, *fakeSource) {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == domain.TrackVideo {
		mime = webrtc.MimeTypeVP8
	}
	rtpTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, "cam-"+string(kind), "local")
	require.NoError(t, err)
	src := &fakeSource{TrackLocalStaticRTP: rtpTrack}
	tr := &Track{src: src, kind: kindOf(rtpTrack.Kind()), source: "camera"}
	tr.enabled.Store(true)
	return tr, src
}

func TestTrack_Basics(t *testing.T) {
	tr, src := newFakeTrack(t, domain.TrackVideo)
	assert.Equal(t, "cam-video", tr.ID())
	assert.Equal(t, domain.TrackVideo, tr.Kind())
	assert.Same(t, src, tr.RTPTrack())

	tr.SetEnabled(false)
	assert.False(t, tr.Enabled())
	tr.SetEnabled(true)
	assert.True(t, tr.Enabled())
}

func TestTrack_CloseIdempotent(t *testing.T) {
	tr, src := newFakeTrack(t, domain.TrackAudio)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, src.closes)
}

func TestTrack_EndedFiresOnce(t *testing.T) {
	tr, _ := newFakeTrack(t, domain.TrackVideo)
	var got []error
	tr.OnEnded(func(err error) { got = append(got, err) })

	unplugged := errors.New("unplugged")
	tr.ended(unplugged)
	tr.ended(nil)
	require.Len(t, got, 1)
	assert.Same(t, unplugged, got[0])
}

func TestTrack_EndedSuppressedAfterClose(t *testing.T) {
	tr, _ := newFakeTrack(t, domain.TrackVideo)
	fired := false
	tr.OnEnded(func(error) { fired = true })

	require.NoError(t, tr.Close())
	tr.ended(nil)
	assert.False(t, fired)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, domain.TrackVideo, kindOf(webrtc.RTPCodecTypeVideo))
	assert.Equal(t, domain.TrackAudio, kindOf(webrtc.RTPCodecTypeAudio))
}

func TestMapError(t *testing.T) {
	denied := mapError("capture", fmt.Errorf("open /dev/video0: %w", fs.ErrPermission))
	assert.ErrorIs(t, denied, core.ErrPermissionDenied)

	busy := mapError("capture", errors.New("failed to find the best driver that fits the constraints"))
	assert.ErrorIs(t, busy, core.ErrDeviceUnavailable)
	assert.Contains(t, busy.Error(), "best driver")
}

func TestBlackFrame(t *testing.T) {
	img := blackFrame(image.Rect(0, 0, 4, 2)).(*image.YCbCr)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())
	for _, y := range img.Y {
		assert.Equal(t, uint8(16), y)
	}
	for i := range img.Cb {
		assert.Equal(t, uint8(128), img.Cb[i])
		assert.Equal(t, uint8(128), img.Cr[i])
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, 1280, c.Width)
	assert.Equal(t, 720, c.Height)
	assert.Equal(t, 1_500_000, c.VideoBitRate)

	c = Config{Width: 640, Height: 480, VideoBitRate: 500_000}.withDefaults()
	assert.Equal(t, 640, c.Width)
	assert.Equal(t, 500_000, c.VideoBitRate)
}
