// Package payload holds the fixed chat-completion request bodies sent by the
// load driver.
package payload

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Model is the model name both payload variants request.
const Model = "TinyLlama/TinyLlama-1.1B-Chat-v1.0"

// Variant names a built-in payload.
type Variant string

const (
	VariantShort Variant = "short"
	VariantLong  Variant = "long"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

var templates = map[Variant]ChatCompletionRequest{
	VariantShort: {
		Model: Model,
		Messages: []Message{
			{Role: "system", Content: "You are a helpful assistant. Answer concisely."},
			{Role: "user", Content: "In 2 sentences, explain what Kubernetes is."},
		},
		MaxTokens:   64,
		Temperature: 0.2,
	},
	VariantLong: {
		Model: Model,
		Messages: []Message{
			{Role: "system", Content: "You are a helpful assistant. Provide a structured answer with bullet points."},
			{Role: "user", Content: "Explain how an LLM inference server works end-to-end (tokenization, prefill, decode, batching). Include operational concerns like latency, throughput, and errors."},
		},
		MaxTokens:   256,
		Temperature: 0.2,
	},
}

// ParseVariant maps a configuration string to a Variant. Anything that is not
// "long" resolves to VariantShort; ok reports whether the input was a known
// name (empty counts as known).
func ParseVariant(s string) (v Variant, ok bool) {
	switch Variant(strings.ToLower(strings.TrimSpace(s))) {
	case VariantLong:
		return VariantLong, true
	case VariantShort, "":
		return VariantShort, true
	default:
		return VariantShort, false
	}
}

// Payload is a serialized request body. It is never mutated after New.
type Payload struct {
	variant Variant
	body    []byte
}

// New serializes the template for v.
func New(v Variant) (Payload, error) {
	tmpl, ok := templates[v]
	if !ok {
		return Payload{}, fmt.Errorf("unknown payload variant %q", v)
	}
	b, err := json.Marshal(tmpl)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal %s payload: %w", v, err)
	}
	return Payload{variant: v, body: b}, nil
}

// Variant returns the variant the payload was built from.
func (p Payload) Variant() Variant { return p.variant }

// Body returns the serialized JSON. Callers must not modify the slice.
func (p Payload) Body() []byte { return p.body }

// Len is the body size in bytes.
func (p Payload) Len() int { return len(p.body) }

// Request returns a copy of the template behind v.
func Request(v Variant) (ChatCompletionRequest, bool) {
	tmpl, ok := templates[v]
	if !ok {
		return ChatCompletionRequest{}, false
	}
	tmpl.Messages = append([]Message(nil), tmpl.Messages...)
	return tmpl, true
}
