// Package gen provides the generation backend behind an opaque interface.
package gen

import (
	"context"
	"fmt"

	"github.com/meridianapps/chatdock/internal/domain"
)

// GenerationError is a recoverable failure of the generation backend. The
// affected message is surfaced as retryable; the session stays usable.
type GenerationError struct {
	AgentID string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for agent %s: %v", e.AgentID, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Reply is the result of one generation call.
type Reply struct {
	Text string
	// PromptTokens/CompletionTokens are backend-reported usage. Zero when
	// the backend does not report usage; the billing layer then falls
	// back to local counting.
	PromptTokens     int64
	CompletionTokens int64
}

// Generator produces an assistant reply for one chat turn. The call is
// opaque and may take a long time; implementations must honor ctx
// cancellation.
type Generator interface {
	Generate(ctx context.Context, agent domain.Agent, history []*domain.Message, userText string) (*Reply, error)
}
