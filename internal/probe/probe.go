// Package probe measures streaming latency of a chat completion endpoint:
// time to first token and the gaps between subsequent tokens.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatload/internal/payload"
	"chatload/internal/stats"
)

const (
	DefaultURL       = "http://localhost:8000/v1/chat/completions"
	DefaultPrompt    = "Write a short essay about the future of AI and latency."
	DefaultMaxTokens = 256
)

// ErrNoTokens is returned when the stream ended without any content.
var ErrNoTokens = errors.New("no tokens received")

// Request describes one probe call.
type Request struct {
	URL       string
	Model     string
	Prompt    string
	MaxTokens int
	APIKey    string
}

// Metrics are the timings of a single streamed completion.
type Metrics struct {
	TTFT         time.Duration
	Total        time.Duration
	Tokens       int
	TokensPerSec float64
	AvgITL       time.Duration
	P95ITL       time.Duration
	// TPOT is generation time after the first token divided by the number of
	// later tokens.
	TPOT time.Duration
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Measure sends req with stream enabled and times the token arrivals.
func Measure(ctx context.Context, client *http.Client, req Request) (Metrics, error) {
	if req.Model == "" {
		req.Model = payload.Model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	body, err := json.Marshal(payload.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  []payload.Message{{Role: "user", Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return Metrics{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return Metrics{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return Metrics{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Metrics{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var first time.Time
	var arrivals []time.Time

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if strings.TrimSpace(data) == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Keep-alives and partial frames are skipped.
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		now := time.Now()
		if first.IsZero() {
			first = now
		} else {
			arrivals = append(arrivals, now)
		}
	}
	if err := sc.Err(); err != nil {
		return Metrics{}, fmt.Errorf("read stream: %w", err)
	}
	end := time.Now()

	if first.IsZero() {
		return Metrics{}, ErrNoTokens
	}
	return compute(start, first, end, arrivals), nil
}

func compute(start, first, end time.Time, arrivals []time.Time) Metrics {
	m := Metrics{
		TTFT:   first.Sub(start),
		Total:  end.Sub(start),
		Tokens: len(arrivals) + 1,
	}
	if secs := m.Total.Seconds(); secs > 0 {
		m.TokensPerSec = float64(m.Tokens) / secs
	}
	if len(arrivals) == 0 {
		return m
	}

	hist := stats.NewSafeHistogram()
	var sum time.Duration
	prev := first
	for _, t := range arrivals {
		gap := t.Sub(prev)
		hist.Record(gap)
		sum += gap
		prev = t
	}
	m.AvgITL = sum / time.Duration(len(arrivals))
	m.P95ITL = msToDuration(hist.QuantileMs(95))
	m.TPOT = end.Sub(first) / time.Duration(len(arrivals))
	return m
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Report aggregates several probe runs.
type Report struct {
	Runs    int
	AvgTTFT time.Duration
	P95TTFT time.Duration
	AvgITL  time.Duration
	AvgTPS  float64
}

// Aggregate folds runs into a Report. It returns the zero Report for no runs.
func Aggregate(runs []Metrics) Report {
	if len(runs) == 0 {
		return Report{}
	}
	hist := stats.NewSafeHistogram()
	var ttft, itl time.Duration
	var tps float64
	for _, m := range runs {
		hist.Record(m.TTFT)
		ttft += m.TTFT
		itl += m.AvgITL
		tps += m.TokensPerSec
	}
	n := len(runs)
	return Report{
		Runs:    n,
		AvgTTFT: ttft / time.Duration(n),
		P95TTFT: msToDuration(hist.QuantileMs(95)),
		AvgITL:  itl / time.Duration(n),
		AvgTPS:  tps / float64(n),
	}
}

// Run calls Measure iterations times, sleeping pause between calls, and
// reports each attempt to onResult. Failed attempts are skipped in the
// returned slice.
func Run(ctx context.Context, client *http.Client, req Request, iterations int, pause time.Duration, onResult func(i int, m Metrics, err error)) []Metrics {
	var out []Metrics
	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		m, err := Measure(ctx, client, req)
		if onResult != nil {
			onResult(i, m, err)
		}
		if err == nil {
			out = append(out, m)
		}
		if pause > 0 && i < iterations-1 {
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
		}
	}
	return out
}
