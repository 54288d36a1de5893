package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tutu-network/agentledger/internal/domain"
)

// Static confirms every task without a model. Used offline and in dev mode.
type Static struct {
	Delay time.Duration // simulated latency
	Fail  bool          // report failure instead
}

// Execute implements domain.ExecutionBackend.
func (s Static) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return domain.ExecutionResult{}, fmt.Errorf("%w: %v", domain.ErrExternalFailure, ctx.Err())
		case <-t.C:
		}
	}
	if s.Fail {
		return domain.ExecutionResult{Success: false}, nil
	}
	return domain.ExecutionResult{
		Success:     true,
		ArtifactRef: artifactRef(req.Sector + "/" + req.TaskTitle),
	}, nil
}

var _ domain.ExecutionBackend = Static{}
