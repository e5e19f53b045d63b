package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"PromptLoom/internal/backend"
	"PromptLoom/internal/store"
	"PromptLoom/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInferer lets tests script backend behavior and count calls.
type fakeInferer struct {
	calls int64
	infer func(prompt string) (string, error)
}

func (f *fakeInferer) Infer(ctx context.Context, prompt string) (string, error) {
	atomic.AddInt64(&f.calls, 1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.infer(prompt)
}

func newTestCoordinator(infer func(prompt string) (string, error)) (*Coordinator, *fakeInferer, store.Store) {
	registry := template.NewRegistry(nil)
	registry.Register(template.Definition{
		Name: "generate_docstring",
		Body: "Document: {code}",
		Variables: []template.Variable{
			{Name: "code", Required: true},
		},
	})

	fake := &fakeInferer{infer: infer}
	st := store.NewMemStore()
	return New(registry, fake, st, nil), fake, st
}

func TestExecuteRawPrompt(t *testing.T) {
	coord, _, st := newTestCoordinator(func(prompt string) (string, error) {
		return "Hi!", nil
	})

	res, err := coord.Execute(context.Background(), "conv-1", Request{RawPrompt: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.Equal(t, "Hi!", res.Completion)

	conv, err := st.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, store.RolePrompt, conv.Turns[0].Role)
	assert.Equal(t, "Hello", conv.Turns[0].Content)
	assert.Equal(t, store.RoleResponse, conv.Turns[1].Role)
	assert.Equal(t, "Hi!", conv.Turns[1].Content)
}

func TestExecuteTemplateRequest(t *testing.T) {
	var gotPrompt string
	coord, _, _ := newTestCoordinator(func(prompt string) (string, error) {
		gotPrompt = prompt
		return "done", nil
	})

	res, err := coord.Execute(context.Background(), "conv-1", Request{
		Template:  "generate_docstring",
		Variables: map[string]string{"code": "def f(): pass"},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Completion)
	assert.Equal(t, "Document: def f(): pass", gotPrompt)
}

func TestExecuteGeneratesConversationID(t *testing.T) {
	coord, _, st := newTestCoordinator(func(prompt string) (string, error) {
		return "ok", nil
	})

	res, err := coord.Execute(context.Background(), "", Request{RawPrompt: "Hello"})
	require.NoError(t, err)
	require.NotEmpty(t, res.ConversationID)

	conv, err := st.Get(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Len(t, conv.Turns, 2)
}

func TestExecuteBackendErrorLeavesDanglingPrompt(t *testing.T) {
	coord, _, st := newTestCoordinator(func(prompt string) (string, error) {
		return "", &backend.StatusError{Status: http.StatusInternalServerError, Message: "boom"}
	})

	_, err := coord.Execute(context.Background(), "conv-1", Request{RawPrompt: "Hello"})
	require.Error(t, err)

	var statusErr *backend.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Status)

	// The prompt turn stays, unanswered.
	conv, err := st.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, store.RolePrompt, conv.Turns[0].Role)
	assert.Equal(t, "Hello", conv.Turns[0].Content)
}

func TestExecuteUnknownTemplateAppendsNothing(t *testing.T) {
	coord, fake, st := newTestCoordinator(func(prompt string) (string, error) {
		return "never", nil
	})

	_, err := coord.Execute(context.Background(), "conv-1", Request{Template: "no_such"})
	require.Error(t, err)
	assert.ErrorIs(t, err, template.ErrNotFound)
	assert.EqualValues(t, 0, atomic.LoadInt64(&fake.calls))

	_, err = st.Get(context.Background(), "conv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteMissingVariableAppendsNothing(t *testing.T) {
	coord, fake, st := newTestCoordinator(func(prompt string) (string, error) {
		return "never", nil
	})

	_, err := coord.Execute(context.Background(), "conv-1", Request{Template: "generate_docstring"})
	require.Error(t, err)

	var missing *template.MissingVariableError
	assert.ErrorAs(t, err, &missing)
	assert.EqualValues(t, 0, atomic.LoadInt64(&fake.calls))

	_, err = st.Get(context.Background(), "conv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteInvalidRequestForms(t *testing.T) {
	coord, _, _ := newTestCoordinator(func(prompt string) (string, error) {
		return "never", nil
	})

	_, err := coord.Execute(context.Background(), "conv-1", Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = coord.Execute(context.Background(), "conv-1", Request{
		Template:  "generate_docstring",
		RawPrompt: "Hello",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExecuteCacheHitSkipsBackend(t *testing.T) {
	coord, fake, st := newTestCoordinator(func(prompt string) (string, error) {
		return "cached answer", nil
	})

	// Two conversations with identical history share a completion.
	first, err := coord.Execute(context.Background(), "conv-a", Request{RawPrompt: "Hello"})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := coord.Execute(context.Background(), "conv-b", Request{RawPrompt: "Hello"})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, "cached answer", second.Completion)
	assert.EqualValues(t, 1, atomic.LoadInt64(&fake.calls))

	// The cached exchange is still recorded in full.
	conv, err := st.Get(context.Background(), "conv-b")
	require.NoError(t, err)
	assert.Len(t, conv.Turns, 2)
}

func TestExecuteSerializesPerConversation(t *testing.T) {
	coord, _, st := newTestCoordinator(func(prompt string) (string, error) {
		return "re: " + prompt, nil
	})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := coord.Execute(context.Background(), "conv-1", Request{
				RawPrompt: fmt.Sprintf("prompt-%d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	conv, err := st.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2*n)

	// Exchanges never interleave: turns strictly alternate and each
	// response answers the immediately preceding prompt.
	for i := 0; i < len(conv.Turns); i += 2 {
		assert.Equal(t, store.RolePrompt, conv.Turns[i].Role)
		assert.Equal(t, store.RoleResponse, conv.Turns[i+1].Role)
		assert.Equal(t, "re: "+conv.Turns[i].Content, conv.Turns[i+1].Content)
	}
}

func TestExecuteDistinctConversationsRunInParallel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	coord, _, _ := newTestCoordinator(func(prompt string) (string, error) {
		started <- prompt
		<-release
		return "ok", nil
	})

	var wg sync.WaitGroup
	for _, id := range []string{"conv-a", "conv-b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := coord.Execute(context.Background(), id, Request{RawPrompt: "from " + id})
			assert.NoError(t, err)
		}(id)
	}

	// Both exchanges must reach the backend concurrently; with a global
	// lock the second would block behind the first.
	<-started
	<-started
	close(release)
	wg.Wait()
}
