package call

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote candidates that arrived before the remote
// description. Drained once, in arrival order.
type candidateBuffer struct {
	queue []webrtc.ICECandidateInit
}

func (b *candidateBuffer) push(c webrtc.ICECandidateInit) {
	b.queue = append(b.queue, c)
}

func (b *candidateBuffer) drain() []webrtc.ICECandidateInit {
	out := b.queue
	b.queue = nil
	return out
}

// parseCandidate rejects candidates pion would not be able to use.
// An empty candidate is the end-of-candidates marker and is accepted.
func parseCandidate(c webrtc.ICECandidateInit) error {
	raw := strings.TrimPrefix(c.Candidate, "candidate:")
	if raw == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(raw); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	return nil
}
