// Package exchange orchestrates one prompt/response round trip: template
// resolution, inference, and conversation persistence.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"PromptLoom/internal/cache"
	"PromptLoom/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidRequest is returned when a request carries neither or both of a
// template name and a raw prompt.
var ErrInvalidRequest = errors.New("exactly one of template name or raw prompt must be set")

// Request is either a template invocation or a raw prompt, never both.
type Request struct {
	Template  string
	Variables map[string]string
	RawPrompt string
}

// Result carries the completion back to the caller along with the
// conversation id, which may have been generated on first use.
type Result struct {
	ConversationID string
	Completion     string
	CacheHit       bool
}

// Resolver turns a template name plus variable bindings into a final prompt.
type Resolver interface {
	Resolve(name string, vars map[string]string) (string, error)
}

// Inferer sends a finished prompt to the backend and waits for a complete
// response.
type Inferer interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// Coordinator drives the exchange pipeline. All collaborator failures
// propagate unchanged to the caller; there is no local recovery or retry.
type Coordinator struct {
	registry Resolver
	backend  Inferer
	store    store.Store
	cache    *cache.Cache
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	// locks serializes exchanges per conversation id. The mutex is held
	// across the whole append-infer-append sequence so interleaved turns
	// from concurrent callers are impossible. Distinct ids proceed in
	// parallel.
	locks sync.Map // conversation id -> *sync.Mutex
}

func New(registry Resolver, backend Inferer, st store.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		backend:  backend,
		store:    st,
		cache:    cache.New(),
		logger:   logger,
		tracer:   otel.Tracer("promptloom/exchange"),
		meter:    otel.Meter("promptloom/exchange"),
	}
}

// Execute resolves the request into a prompt, records it, runs inference and
// records the response. If conversationID is empty a new one is generated.
//
// The two appends and the backend call are not one transaction: a backend
// failure leaves the conversation with a dangling prompt turn and no
// response. That state is returned to the caller as-is, never repaired.
func (c *Coordinator) Execute(ctx context.Context, conversationID string, req Request) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "exchange_execute")
	defer span.End()

	start := time.Now()

	prompt, err := c.resolvePrompt(req)
	if err != nil {
		return nil, err
	}

	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	mu := c.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := c.store.Append(ctx, conversationID, store.Turn{
		Role:      store.RolePrompt,
		Content:   prompt,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	cacheKey := cache.Key(conv.Turns)
	completion, hit := c.cache.Get(cacheKey)
	if hit {
		c.logger.Info("cache hit", "conversation_id", conversationID, "key", cacheKey[:16])
	} else {
		completion, err = c.backend.Infer(ctx, prompt)
		if err != nil {
			// The prompt turn stays: dangling, not rolled back.
			c.logger.Error("inference failed",
				"conversation_id", conversationID,
				"error", err,
			)
			return nil, err
		}
		c.cache.Put(cacheKey, completion)
	}

	if _, err := c.store.Append(ctx, conversationID, store.Turn{
		Role:      store.RoleResponse,
		Content:   completion,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	c.recordMetrics(ctx, time.Since(start), hit)
	c.logger.Info("exchange completed",
		"conversation_id", conversationID,
		"template", req.Template,
		"cache_hit", hit,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Result{
		ConversationID: conversationID,
		Completion:     completion,
		CacheHit:       hit,
	}, nil
}

// History returns the full ordered turn sequence for a conversation.
func (c *Coordinator) History(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return c.store.Get(ctx, conversationID)
}

// resolvePrompt validates the request form and resolves it into the final
// prompt string. Resolution is pure; it happens before any turn is appended,
// so a TemplateNotFound or MissingVariable failure leaves the conversation
// untouched.
func (c *Coordinator) resolvePrompt(req Request) (string, error) {
	hasTemplate := req.Template != ""
	hasRaw := req.RawPrompt != ""
	if hasTemplate == hasRaw {
		return "", ErrInvalidRequest
	}

	if hasRaw {
		return req.RawPrompt, nil
	}
	return c.registry.Resolve(req.Template, req.Variables)
}

func (c *Coordinator) lockFor(conversationID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(conversationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (c *Coordinator) recordMetrics(ctx context.Context, duration time.Duration, cacheHit bool) {
	counter, err := c.meter.Int64Counter(
		"exchange.completed",
		metric.WithDescription("Completed prompt/response exchanges"),
	)
	if err == nil {
		counter.Add(ctx, 1)
	}

	if cacheHit {
		hits, err := c.meter.Int64Counter(
			"exchange.cache_hits",
			metric.WithDescription("Exchanges served from the completion cache"),
		)
		if err == nil {
			hits.Add(ctx, 1)
		}
	}

	histogram, err := c.meter.Float64Histogram(
		"exchange.duration",
		metric.WithDescription("Exchange duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(duration.Milliseconds()))
	}
}

// Describe renders a one-line summary of a request for logs and errors.
func (r Request) Describe() string {
	if r.Template != "" {
		return fmt.Sprintf("template %q (%d variables)", r.Template, len(r.Variables))
	}
	return "raw prompt"
}
