package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfer(t *testing.T) {
	var gotReq ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(ChatResponse{
			Model:   gotReq.Model,
			Message: ChatMessage{Role: "assistant", Content: "Hi!"},
			Done:    true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "llama3:latest", time.Second, map[string]any{"num_ctx": 4096}, nil)
	completion, err := c.Infer(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi!", completion)

	assert.Equal(t, "llama3:latest", gotReq.Model)
	assert.False(t, gotReq.Stream)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "Hello", gotReq.Messages[0].Content)
}

func TestInferBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "llama3:latest", time.Second, nil, nil)
	_, err := c.Infer(context.Background(), "Hello")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Status)
	assert.Contains(t, statusErr.Message, "model exploded")
}

func TestInferTimeout(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-done
	}))
	defer func() {
		close(done)
		srv.Close()
	}()

	c := NewClient(srv.URL, "llama3:latest", 50*time.Millisecond, nil, nil)
	_, err := c.Infer(context.Background(), "Hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestInferUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, "llama3:latest", time.Second, nil, nil)
	_, err := c.Infer(context.Background(), "Hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestInferCancellation(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-done
	}))
	defer func() {
		close(done)
		srv.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewClient(srv.URL, "llama3:latest", time.Minute, nil, nil)
	_, err := c.Infer(ctx, "Hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(TagsResponse{
			Models: []Model{{Name: "llama3:latest", Size: 4 << 30}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "llama3:latest", time.Second, nil, nil)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3:latest", models[0].Name)

	assert.NoError(t, c.Ping(context.Background()))
}
