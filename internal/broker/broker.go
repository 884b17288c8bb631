// Package broker is the inference request core: it routes inbound
// transport messages into typed work items, schedules them onto a bounded
// worker pool with at most one in-flight generation per session, trims
// conversational context to budget, and publishes exactly one terminal
// response per accepted item.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanglab/llamabroker/internal/archive"
	"github.com/tanglab/llamabroker/internal/engine"
	"github.com/tanglab/llamabroker/internal/history"
	"github.com/tanglab/llamabroker/internal/observability"
	"github.com/tanglab/llamabroker/internal/protocol"
	"github.com/tanglab/llamabroker/internal/reliability"
	"github.com/tanglab/llamabroker/internal/session"
	"github.com/tanglab/llamabroker/internal/transport"
)

const archiveTimeout = 2 * time.Second

// Config carries the broker's runtime knobs.
type Config struct {
	Namespace           string
	DefaultSystemPrompt string
	Limits              history.Limits
	MaxGenTokens        int
	Temperature         float64
	TopP                float64
	Retry               reliability.Policy
	Scheduler           SchedulerConfig
}

// Broker wires router, scheduler, pipeline and publisher over one
// transport.
type Broker struct {
	cfg     Config
	store   *session.Store
	gen     engine.Generator
	tr      transport.Transport
	arch    archive.Store
	pub     *Publisher
	sched   *Scheduler
	router  *Router
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(
	cfg Config,
	store *session.Store,
	gen engine.Generator,
	tr transport.Transport,
	arch archive.Store,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Broker {
	cfg.Scheduler.DefaultSystemPrompt = cfg.DefaultSystemPrompt

	pub := NewPublisher(tr, cfg.Namespace, metrics, logger)
	sched := NewScheduler(cfg.Scheduler, store, metrics, logger)
	router := NewRouter(cfg.Namespace, store, sched, pub, cfg.DefaultSystemPrompt, logger)

	b := &Broker{
		cfg:     cfg,
		store:   store,
		gen:     gen,
		tr:      tr,
		arch:    arch,
		pub:     pub,
		sched:   sched,
		router:  router,
		metrics: metrics,
		log:     logger,
	}
	sched.SetPipeline(b.process, b.failFromPanic)
	return b
}

// Start subscribes the inbound topic patterns and launches the worker
// pool. Workers stop when ctx ends; Wait drains them.
func (b *Broker) Start(ctx context.Context) error {
	patterns := []string{
		b.cfg.Namespace + "/session",
		b.cfg.Namespace + "/user_input/+",
		b.cfg.Namespace + "/action/+",
		b.cfg.Namespace + "/delete_session/+",
	}
	for _, pattern := range patterns {
		if err := b.tr.Subscribe(pattern, b.router.HandleMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
	}

	b.sched.Start(ctx)
	b.log.Info().
		Str("namespace", b.cfg.Namespace).
		Int("workers", b.cfg.Scheduler.Workers).
		Int("queue_depth", b.cfg.Scheduler.MaxDepth).
		Msg("broker started")
	return nil
}

func (b *Broker) Wait() {
	b.sched.Wait()
}

// Router exposes the message router, mainly for tests driving the broker
// through an in-process transport.
func (b *Broker) Router() *Router { return b.router }

// process is the worker pipeline for one claimed item. The scheduler
// guarantees the session lease is held for chat/action/delete-of-live
// sessions.
func (b *Broker) process(ctx context.Context, it *Item) {
	switch it.Kind {
	case KindChat:
		b.processChat(ctx, it)
	case KindAction:
		b.processAction(ctx, it)
	case KindSessionDelete:
		b.processDelete(it)
	default:
		b.pub.EmitItemError(it, CodeInternal, fmt.Sprintf("unknown work item kind %q", it.Kind))
	}
}

func (b *Broker) processChat(ctx context.Context, it *Item) {
	sess, ok := b.store.Get(it.SessionKey)
	if !ok {
		b.pub.EmitItemError(it, CodeSessionNotFound, "session evicted before dispatch")
		return
	}

	prompt, userTurn := history.Prepare(sess, it.Chat.Message, b.cfg.Limits)
	resp, err := b.generateWithRetry(ctx, engine.Request{
		SystemPrompt: sess.SystemPrompt,
		Turns:        prompt,
		MaxTokens:    b.cfg.MaxGenTokens,
		Temperature:  pick(it.Chat.Temperature, b.cfg.Temperature),
		TopP:         pick(it.Chat.TopP, b.cfg.TopP),
	})
	if err != nil {
		b.emitGenerationError(it, err)
		return
	}

	assistantTurn := history.NewTurn(session.RoleAssistant, resp.Text)
	if err := b.commitTurns(it.SessionKey, userTurn, assistantTurn); err != nil {
		b.pub.EmitItemError(it, CodeSessionNotFound, err.Error())
		return
	}

	b.pub.EmitText(it, resp.Text)
}

func (b *Broker) processAction(ctx context.Context, it *Item) {
	sess, ok := b.store.Get(it.SessionKey)
	if !ok {
		b.pub.EmitItemError(it, CodeSessionNotFound, "session evicted before dispatch")
		return
	}

	promptText := actionPrompt(it.Action)
	prompt, userTurn := history.Prepare(sess, promptText, b.cfg.Limits)
	resp, err := b.generateWithRetry(ctx, engine.Request{
		SystemPrompt: sess.SystemPrompt,
		Turns:        prompt,
		MaxTokens:    b.cfg.MaxGenTokens,
		Temperature:  b.cfg.Temperature,
		TopP:         b.cfg.TopP,
	})
	if err != nil {
		b.emitGenerationError(it, err)
		return
	}

	assistantTurn := history.NewTurn(session.RoleAssistant, resp.Text)
	if err := b.commitTurns(it.SessionKey, userTurn, assistantTurn); err != nil {
		b.pub.EmitItemError(it, CodeSessionNotFound, err.Error())
		return
	}

	actions, reasoning := protocol.ParseActionOutput(resp.Text)
	b.pub.EmitActions(it, actions, reasoning)
}

func (b *Broker) processDelete(it *Item) {
	if b.store.Delete(it.SessionKey) {
		b.log.Info().Str("session", it.SessionKey).Msg("session deleted")
		b.pub.EmitText(it, "session deleted")
		return
	}
	b.pub.EmitItemError(it, CodeSessionNotFound, "no such session")
}

// generateWithRetry applies the retry policy: transient adapter errors are
// retried with capped exponential backoff; timeouts and terminal errors
// surface immediately.
func (b *Broker) generateWithRetry(ctx context.Context, req engine.Request) (engine.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.Retry.MaxAttempts; attempt++ {
		resp, err := b.gen.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, engine.ErrTimeout) || !engine.IsTransient(err) {
			return engine.Response{}, err
		}
		if attempt == b.cfg.Retry.MaxAttempts {
			break
		}

		b.metrics.RecordRetry()
		select {
		case <-time.After(b.cfg.Retry.Backoff(attempt)):
		case <-ctx.Done():
			return engine.Response{}, lastErr
		}
	}
	return engine.Response{}, lastErr
}

// commitTurns appends user then assistant, in that order, so a crash
// between the two leaves the session consistent with "user spoke, no
// answer yet". The archive write is best effort and never fails the item.
func (b *Broker) commitTurns(sessionKey string, userTurn, assistantTurn session.Turn) error {
	if err := b.store.Append(sessionKey, userTurn); err != nil {
		return err
	}
	if err := b.store.Append(sessionKey, assistantTurn); err != nil {
		return err
	}

	if b.arch != nil {
		actx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		for _, turn := range []session.Turn{userTurn, assistantTurn} {
			if err := b.arch.SaveTurn(actx, archive.Record{
				SessionKey: sessionKey,
				Role:       string(turn.Role),
				Text:       turn.Text,
				TokenCount: turn.TokenCount,
				CreatedAt:  turn.Timestamp,
			}); err != nil {
				b.log.Warn().Err(err).Str("session", sessionKey).Msg("archive write failed")
			}
		}
	}
	return nil
}

func (b *Broker) emitGenerationError(it *Item, err error) {
	if errors.Is(err, engine.ErrTimeout) {
		b.pub.EmitItemError(it, CodeTimeout, "generation exceeded the configured deadline")
		return
	}
	b.pub.EmitItemError(it, CodeGenerationError, err.Error())
}

// failFromPanic is the scheduler's escape hatch: a panicking pipeline
// still produces the item's single terminal publish.
func (b *Broker) failFromPanic(it *Item, reason string) {
	b.pub.EmitItemError(it, CodeInternal, reason)
}

func actionPrompt(req protocol.ActionRequest) string {
	return fmt.Sprintf(`NPC Context: %s
User Input: %s

Based on the user input and NPC context, generate appropriate actions.
Respond with a JSON object: {"actions": [{"actionType": ..., "parameters": {...}, "duration": ..., "delay": ..., "priority": ...}], "reasoning": ...}.
Allowed action types: move, dance, emotion, speak, gesture, animation, hint, path, break_wall.`,
		req.Context, req.Message)
}

func pick(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
