package call

import (
	"context"

	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/dkeye/Teleconsult/internal/metrics"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"
)

const (
	evInitialize   = "initialize"
	evOffer        = "offer"
	evAwaitOffer   = "await_offer"
	evAnswer       = "answer"
	evRemoteAnswer = "remote_answer"
	evConnect      = "connect"
	evLose         = "lose"
	evFail         = "fail"
	evEnd          = "end"
)

func states(ss ...domain.SessionState) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

/*
newSessionFSM builds the call session state machine.

	[idle] → [initializing] → [offering]       → [negotiating] → [connected] ⇄ [reconnecting]
	                        → [awaiting_offer] → [negotiating]
	[negotiating] → [reconnecting]  (connectivity lost before first connect)
	any non-terminal → [failed] | [ended]
*/
func newSessionFSM(sid domain.SessionID, m *metrics.Metrics) *fsm.FSM {
	live := states(
		domain.StateIdle,
		domain.StateInitializing,
		domain.StateOffering,
		domain.StateAwaitingOffer,
		domain.StateNegotiating,
		domain.StateConnected,
		domain.StateReconnecting,
	)
	return fsm.NewFSM(
		string(domain.StateIdle),
		fsm.Events{
			{Name: evInitialize, Src: states(domain.StateIdle), Dst: string(domain.StateInitializing)},
			{Name: evOffer, Src: states(domain.StateInitializing), Dst: string(domain.StateOffering)},
			{Name: evAwaitOffer, Src: states(domain.StateInitializing), Dst: string(domain.StateAwaitingOffer)},
			{Name: evAnswer, Src: states(domain.StateInitializing, domain.StateAwaitingOffer), Dst: string(domain.StateNegotiating)},
			{Name: evRemoteAnswer, Src: states(domain.StateOffering), Dst: string(domain.StateNegotiating)},
			{Name: evConnect, Src: states(domain.StateNegotiating, domain.StateReconnecting), Dst: string(domain.StateConnected)},
			{Name: evLose, Src: states(domain.StateNegotiating, domain.StateConnected), Dst: string(domain.StateReconnecting)},
			{Name: evFail, Src: live, Dst: string(domain.StateFailed)},
			{Name: evEnd, Src: live, Dst: string(domain.StateEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.Transition(e.Src, e.Dst)
				log.Debug().Str("module", "call").Str("sid", string(sid)).Str("event", e.Event).Str("from", e.Src).Str("to", e.Dst).Msg("state transition")
			},
		},
	)
}
