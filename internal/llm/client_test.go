package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/finrag/backend/pkg/circuitbreaker"
)

type fakeProvider struct {
	chatCalls  atomic.Int32
	embedCalls atomic.Int32
	chatStatus []int
	lastModel  atomic.Value
	// delay holds chat responses until it elapses or the client gives up.
	delay atomic.Int64
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.chatCalls.Add(1))
		if d := time.Duration(f.delay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if n <= len(f.chatStatus) && f.chatStatus[n-1] != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.chatStatus[n-1])
			_, _ = w.Write([]byte(`{"error":{"message":"upstream failure","type":"server_error"}}`))
			return
		}

		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.lastModel.Store(req.Model)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   req.Model,
			"choices": []map[string]interface{}{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "Revenue was $10B [M:kpi:1:2020:revenue]."},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 12, "total_tokens": 132},
		})
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		f.embedCalls.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]interface{}, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]interface{}{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), float32(len(req.Input[i]))},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  "text-embedding-3-small",
			"usage":  map[string]int{"prompt_tokens": 4, "total_tokens": 4},
		})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeProvider) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	return NewClient(Options{
		APIKey:         "test",
		BaseURL:        srv.URL + "/v1",
		Model:          "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Temperature:    0.1,
		MaxTokens:      256,
		Timeout:        2 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
}

func TestCompleteReturnsContentAndUsage(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f)

	resp, err := c.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "system",
		UserPrompt:   "question",
		Model:        "gpt-4o",
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Content, "[M:kpi:1:2020:revenue]")
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 120, resp.Usage.PromptTokens)
	assert.Equal(t, 132, resp.Usage.TotalTokens)
	assert.Equal(t, "gpt-4o", f.lastModel.Load())
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	f := &fakeProvider{chatStatus: []int{http.StatusBadGateway, http.StatusTooManyRequests, http.StatusOK}}
	c := newTestClient(t, f)

	resp, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "question"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.Equal(t, int32(3), f.chatCalls.Load())
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	f := &fakeProvider{chatStatus: []int{http.StatusBadRequest}}
	c := newTestClient(t, f)

	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "question"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), f.chatCalls.Load())
}

func TestCompleteGivesUpAfterMaxAttempts(t *testing.T) {
	f := &fakeProvider{chatStatus: []int{500, 500, 500, 500}}
	c := newTestClient(t, f)

	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "question"})
	require.Error(t, err)
	assert.Equal(t, int32(3), f.chatCalls.Load())
}

func TestGenerateEmbeddingsPreservesOrder(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f)

	vecs, err := c.GenerateEmbeddings(context.Background(), []string{"a", "bbb", "cc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.Equal(t, []float32{1, 3}, vecs[1])
	assert.Equal(t, []float32{2, 2}, vecs[2])

	one, err := c.GenerateEmbedding(context.Background(), "abcd")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 4}, one)
	assert.Equal(t, int32(2), f.embedCalls.Load())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&openai.APIError{HTTPStatusCode: 503}))
	assert.True(t, IsTransient(&openai.APIError{HTTPStatusCode: 429}))
	assert.False(t, IsTransient(&openai.APIError{HTTPStatusCode: 401}))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.False(t, IsTransient(nil))
}

func TestCallerDeadlineDoesNotTripBreaker(t *testing.T) {
	f := &fakeProvider{}
	f.delay.Store(int64(300 * time.Millisecond))
	c := newTestClient(t, f)

	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := c.Complete(ctx, CompletionRequest{UserPrompt: "rephrase", Purpose: PurposeVariants})
		cancel()
		require.Error(t, err)
		assert.False(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker(PurposeVariants).State())

	f.delay.Store(0)
	resp, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "question", Purpose: PurposeSynthesis})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
}

func TestBreakersAreIsolatedPerPurpose(t *testing.T) {
	status := make([]int, 15)
	for i := range status {
		status[i] = http.StatusInternalServerError
	}
	f := &fakeProvider{chatStatus: status}
	c := newTestClient(t, f)

	for i := 0; i < 5; i++ {
		_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "rephrase", Purpose: PurposeVariants})
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.breaker(PurposeVariants).State())

	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "rephrase", Purpose: PurposeVariants})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(15), f.chatCalls.Load())

	resp, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "question", Purpose: PurposeSynthesis})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker(PurposeSynthesis).State())
}

func TestBreakerChangesAreReported(t *testing.T) {
	status := make([]int, 15)
	for i := range status {
		status[i] = http.StatusInternalServerError
	}
	f := &fakeProvider{chatStatus: status}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	var opened atomic.Value
	c := NewClient(Options{
		APIKey:         "test",
		BaseURL:        srv.URL + "/v1",
		Model:          "gpt-4o-mini",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		OnBreakerChange: func(name string, _, to circuitbreaker.State) {
			if to == circuitbreaker.StateOpen {
				opened.Store(name)
			}
		},
		Logger: zaptest.NewLogger(t),
	})

	for i := 0; i < 5; i++ {
		_, _ = c.Complete(context.Background(), CompletionRequest{UserPrompt: "rephrase", Purpose: PurposeVariants})
	}
	assert.Equal(t, "llm-variants", opened.Load())
}
