package signal_test

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Teleconsult/internal/adapters/signal"
	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/app/media"
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/core/coretest"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type side struct {
	peers *coretest.PeerFactory
	mgr   *call.Manager
	sess  *call.Session
}

func openSide(t *testing.T, sig core.SignalingChannel, spec call.Spec) *side {
	t.Helper()
	s := &side{peers: &coretest.PeerFactory{}}
	gw := media.NewGateway(&coretest.Capturer{}, nil)
	s.mgr = call.NewManager(call.Config{}, call.Deps{Gateway: gw, NewPeer: s.peers.New}, sig)
	t.Cleanup(s.mgr.Close)

	ts, err := gw.Acquire(context.Background(), core.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	s.sess, err = s.mgr.Open(context.Background(), spec, ts)
	require.NoError(t, err)
	return s
}

func TestLoopback_FullNegotiation(t *testing.T) {
	doctor := domain.Participant{ID: "dr-1", DisplayName: "Dr. Rossi"}
	patient := domain.Participant{ID: "pt-1", DisplayName: "Anna"}
	docSig, patSig := signal.NewLoopbackPair(doctor.ID, patient.ID)

	doc := openSide(t, docSig, call.Spec{ID: "apt-1", Role: domain.RoleInitiator, Local: doctor, Remote: patient})
	pat := openSide(t, patSig, call.Spec{ID: "apt-1", Role: domain.RoleResponder, Local: patient, Remote: doctor})
	require.Equal(t, domain.StateAwaitingOffer, pat.sess.State())

	// reaches the doctor before the answer and must be buffered there
	pat.peers.Last().EmitICECandidate(webrtc.ICECandidateInit{Candidate: ""})

	require.NoError(t, doc.mgr.Start(context.Background(), "apt-1"))
	require.Eventually(t, func() bool {
		return doc.sess.State() == domain.StateNegotiating && pat.sess.State() == domain.StateNegotiating
	}, 2*time.Second, 5*time.Millisecond)

	docPC, patPC := doc.peers.Last(), pat.peers.Last()
	require.NotNil(t, docPC.Remote())
	assert.Equal(t, webrtc.SDPTypeAnswer, docPC.Remote().Type)
	assert.Equal(t, webrtc.SDPTypeOffer, patPC.Remote().Type)
	require.Eventually(t, func() bool { return len(docPC.Applied()) == 1 }, 2*time.Second, 5*time.Millisecond)

	docPC.SetState(domain.ConnectionConnected)
	patPC.SetState(domain.ConnectionConnected)
	assert.Equal(t, domain.StateConnected, doc.sess.State())
	assert.Equal(t, domain.StateConnected, pat.sess.State())

	doc.sess.EndCall()
	require.Eventually(t, func() bool {
		_, ok := doc.mgr.Get("apt-1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateEnded, doc.sess.State())
}
