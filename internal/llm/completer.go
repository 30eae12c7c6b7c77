// Package llm is the relay's AI backend: the completion contract, the
// model alias table, and cost accounting in microdollars.
package llm

import (
	"context"
	"fmt"
)

// Message is one turn of conversation context.
type Message struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// Request holds one completion request. Model is an alias from the
// user-facing set (opus, sonnet, haiku), resolved by the backend.
type Request struct {
	System    string
	Messages  []Message
	Model     string
	MaxTokens int
}

// Completion is the backend's reply with its measured cost.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	CostMicros   int64
	StopReason   string
}

// Completer is the AI backend contract.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// BackendError wraps a backend failure for chat-visible reporting.
type BackendError struct {
	Provider string
	Message  string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %s", e.Provider, e.Message)
}

// modelInfo binds an alias to a concrete model id and its list price in
// dollars per million tokens (equivalently, microdollars per token).
type modelInfo struct {
	id         string
	inPerMTok  int64
	outPerMTok int64
}

var models = map[string]modelInfo{
	"opus":   {id: "claude-opus-4-1", inPerMTok: 15, outPerMTok: 75},
	"sonnet": {id: "claude-sonnet-4-5", inPerMTok: 3, outPerMTok: 15},
	"haiku":  {id: "claude-haiku-4-5", inPerMTok: 1, outPerMTok: 5},
}

// ResolveModel maps a user alias to the concrete model id.
func ResolveModel(alias string) (string, error) {
	info, ok := models[alias]
	if !ok {
		return "", fmt.Errorf("no model alias %q", alias)
	}
	return info.id, nil
}

// Cost computes the microdollar cost of a completion from its token
// usage at the alias's list price. Unknown aliases cost zero.
func Cost(alias string, inputTokens, outputTokens int) int64 {
	info, ok := models[alias]
	if !ok {
		return 0
	}
	return int64(inputTokens)*info.inPerMTok + int64(outputTokens)*info.outPerMTok
}
