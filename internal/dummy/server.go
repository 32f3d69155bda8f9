// Package dummy serves a fake OpenAI-style chat completion endpoint for local
// runs and tests.
package dummy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatload/internal/payload"
)

const answer = "Kubernetes is an open source system that schedules containers across a cluster of machines. " +
	"It restarts failed workloads, scales them and routes traffic to them."

// Options shapes the behaviour of the fake endpoint.
type Options struct {
	// Latency is slept before answering; the sleep ends early if the client
	// goes away.
	Latency time.Duration
	// ErrorRate is the fraction of requests answered with 500.
	ErrorRate float64
	// Status forces every response to this code when non-zero.
	Status int
	// TokenDelay is slept between streamed chunks.
	TokenDelay time.Duration
}

// Server is an http.Handler that counts the requests it serves.
type Server struct {
	opts     Options
	mux      *http.ServeMux
	requests atomic.Int64
	errors   atomic.Int64
}

func NewHandler(opts Options) *Server {
	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("/v1/chat/completions", s.handleCompletions)
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Requests is the number of chat completion requests received.
func (s *Server) Requests() int64 { return s.requests.Load() }

// Errors is the number of non-200 completion responses sent.
func (s *Server) Errors() int64 { return s.errors.Load() }

type chatChoice struct {
	Index        int              `json:"index"`
	Message      *payload.Message `json:"message,omitempty"`
	Delta        *delta           `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

type delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usage       `json:"usage,omitempty"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	if r.Method != http.MethodPost {
		s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req payload.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if !sleep(r.Context(), s.opts.Latency) {
		return
	}

	if s.opts.Status != 0 && s.opts.Status != http.StatusOK {
		s.fail(w, s.opts.Status, http.StatusText(s.opts.Status))
		return
	}
	if s.opts.ErrorRate > 0 && rand.Float64() < s.opts.ErrorRate {
		s.fail(w, http.StatusInternalServerError, "injected failure")
		return
	}

	tokens := strings.Fields(answer)
	if req.MaxTokens > 0 && len(tokens) > req.MaxTokens {
		tokens = tokens[:req.MaxTokens]
	}

	if req.Stream {
		s.stream(w, r, req.Model, tokens)
		return
	}

	stop := "stop"
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(strings.Fields(m.Content))
	}
	resp := chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      &payload.Message{Role: "assistant", Content: strings.Join(tokens, " ")},
			FinishReason: &stop,
		}},
		Usage: &usage{
			PromptTokens:     prompt,
			CompletionTokens: len(tokens),
			TotalTokens:      prompt + len(tokens),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// stream writes tokens as server-sent events in the OpenAI chunk format.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, model string, tokens []string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	send := func(d *delta, finish *string) {
		b, _ := json.Marshal(chatResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chatChoice{{Delta: d, FinishReason: finish}},
		})
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	send(&delta{Role: "assistant"}, nil)
	for i, tok := range tokens {
		if i > 0 && !sleep(r.Context(), s.opts.TokenDelay) {
			return
		}
		if i > 0 {
			tok = " " + tok
		}
		send(&delta{Content: tok}, nil)
	}
	stop := "stop"
	send(&delta{}, &stop)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.errors.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "code": status},
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ListenAndServe runs the fake endpoint on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, opts Options, log *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("dummy server listening",
			zap.String("addr", addr),
			zap.Strings("endpoints", []string{"/v1/chat/completions", "/health"}),
		)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
