package llm

import (
	"context"

	"github.com/polisai/polis-chatguard/pkg/domain"
)

// EchoPrefix starts every EchoClient reply.
const EchoPrefix = "Received: "

// EchoClient answers with the prompt it was given. It lets the gateway run
// without an upstream and shows exactly what would have left the process.
type EchoClient struct{}

// Complete returns EchoPrefix followed by the masked prompt.
func (EchoClient) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return EchoPrefix + req.Prompt, nil
}
