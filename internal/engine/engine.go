// Package engine wraps the external text-generation service behind a
// uniform Generator interface with a hard wall-clock timeout and typed
// error classification. The broker never sees engine internals; it only
// distinguishes timeout, transient and terminal failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tanglab/llamabroker/internal/session"
)

// ErrTimeout means the generation call exceeded its deadline. Never
// retried: the downstream is assumed resource-exhausted.
var ErrTimeout = errors.New("generation timed out")

// TransientError marks failures worth retrying with backoff.
type TransientError struct {
	Reason string
}

func (e *TransientError) Error() string { return "transient engine error: " + e.Reason }

// TerminalError marks failures that retrying cannot fix.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string { return "terminal engine error: " + e.Reason }

// IsTransient reports whether err should be retried by the scheduler.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Request carries the trimmed prompt for one generation call.
type Request struct {
	SystemPrompt string
	Turns        []session.Turn
	MaxTokens    int
	Temperature  float64
	TopP         float64
}

// Response is the completed generation.
type Response struct {
	Text       string
	TokensUsed int
}

// Generator produces one assistant reply per call. Implementations must
// honor ctx and return without partial output on timeout.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Config controls generator construction.
type Config struct {
	Mode        string
	URL         string
	Model       string
	Timeout     time.Duration
	Temperature float64
	TopP        float64
}

func New(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPGenerator(cfg.URL, cfg.Model, cfg.Timeout), nil
		}
		return NewMockGenerator(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("engine URL is required for http mode")
		}
		return NewHTTPGenerator(cfg.URL, cfg.Model, cfg.Timeout), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}
