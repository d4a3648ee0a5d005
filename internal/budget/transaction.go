package budget

import (
	"fmt"
	"time"
)

// Operation labels what a transaction paid for.
type Operation string

const (
	OpChat       Operation = "chat"
	OpCompletion Operation = "completion"
	OpTest       Operation = "test"
)

// Transaction is one immutable record of a completed model invocation's
// measured cost and token usage. Once appended it is never mutated; the
// ledger is ordered by timestamp.
type Transaction struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Cost         float64   `json:"cost"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Operation    Operation `json:"operation"`
}

// ParseOperation validates an operation label.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpChat, OpCompletion, OpTest:
		return Operation(s), nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}
