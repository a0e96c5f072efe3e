// Package llm is the provider-agnostic adapter layer: a uniform
// OpenAI-compatible chat surface over local inference engines and remote
// prediction APIs, with caching, rate limiting, retries, and polling.
package llm

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one turn of an OpenAI-shaped conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatChoice is one completion alternative in the envelope.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage carries token accounting. All zero when the provider does not report
// counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletion is the response envelope returned for non-streaming chat
// requests, regardless of provider kind.
type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// NewChatCompletion builds the envelope around a single assistant message.
func NewChatCompletion(model, content string, usage Usage) ChatCompletion {
	return ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}

// PredictionStatus is the provider-side state of an asynchronous job.
type PredictionStatus string

const (
	PredictionStarting   PredictionStatus = "starting"
	PredictionProcessing PredictionStatus = "processing"
	PredictionSucceeded  PredictionStatus = "succeeded"
	PredictionFailed     PredictionStatus = "failed"
	PredictionCanceled   PredictionStatus = "canceled"
)

// IsTerminal reports whether no further polling can change the status.
func (s PredictionStatus) IsTerminal() bool {
	switch s {
	case PredictionSucceeded, PredictionFailed, PredictionCanceled:
		return true
	default:
		return false
	}
}

// Prediction is the locally held view of one asynchronous provider job.
type Prediction struct {
	ID          string           `json:"id"`
	Status      PredictionStatus `json:"status"`
	Output      any              `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at,omitzero"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
}
