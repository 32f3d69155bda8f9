package dummy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatload/internal/payload"
)

func post(t *testing.T, url string, req payload.ChatCompletionRequest) *http.Response {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(url+"/v1/chat/completions", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func TestCompletion(t *testing.T) {
	h := NewHandler(Options{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := payload.Request(payload.VariantShort)
	resp := post(t, srv.URL, req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, strings.HasPrefix(body.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", body.Object)
	assert.Equal(t, payload.Model, body.Model)
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "assistant", body.Choices[0].Message.Role)
	assert.NotEmpty(t, body.Choices[0].Message.Content)
	require.NotNil(t, body.Usage)
	assert.Equal(t, body.Usage.PromptTokens+body.Usage.CompletionTokens, body.Usage.TotalTokens)
	assert.LessOrEqual(t, body.Usage.CompletionTokens, req.MaxTokens)
	assert.EqualValues(t, 1, h.Requests())
}

func TestCompletionRespectsMaxTokens(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Options{}))
	defer srv.Close()

	req, _ := payload.Request(payload.VariantShort)
	req.MaxTokens = 3
	resp := post(t, srv.URL, req)
	defer resp.Body.Close()

	var body chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body.Usage.CompletionTokens)
	assert.Len(t, strings.Fields(body.Choices[0].Message.Content), 3)
}

func TestCompletionErrors(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		method     string
		body       string
		wantStatus int
	}{
		{"forced status", Options{Status: http.StatusServiceUnavailable}, http.MethodPost, `{"model":"m"}`, http.StatusServiceUnavailable},
		{"error rate one", Options{ErrorRate: 1}, http.MethodPost, `{"model":"m"}`, http.StatusInternalServerError},
		{"bad json", Options{}, http.MethodPost, `{`, http.StatusBadRequest},
		{"wrong method", Options{}, http.MethodGet, "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(tt.opts)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/v1/chat/completions", strings.NewReader(tt.body))
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.EqualValues(t, 1, h.Errors())
		})
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLatencyStopsWhenClientLeaves(t *testing.T) {
	h := NewHandler(Options{Latency: time.Minute})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(`{"model":"m"}`))
	require.NoError(t, err)

	start := time.Now()
	_, err = http.DefaultClient.Do(req)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Options{}))
	defer srv.Close()

	req, _ := payload.Request(payload.VariantShort)
	req.Stream = true
	req.MaxTokens = 5
	resp := post(t, srv.URL, req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var contents []string
	sawDone := false
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			break
		}
		var chunk chatResponse
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		require.Len(t, chunk.Choices, 1)
		if d := chunk.Choices[0].Delta; d != nil && d.Content != "" {
			contents = append(contents, d.Content)
		}
	}
	require.NoError(t, sc.Err())
	assert.True(t, sawDone)
	assert.Len(t, contents, 5)
}
