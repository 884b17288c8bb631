// Package history prepares a session's dialog for generation: it appends
// the incoming user turn to a working copy and trims the result to the
// configured turn and token budgets. The system prompt is carried outside
// the turn list and is never trimmed.
package history

import (
	"time"

	"github.com/tanglab/llamabroker/internal/session"
)

// Limits bound the prompt history sent to the generation engine.
type Limits struct {
	// MaxTurns keeps at most this many most recent turns. 0 disables the rule.
	MaxTurns int
	// MaxTokens drops oldest turns while the summed estimate exceeds it.
	// 0 disables the rule.
	MaxTokens int
}

// EstimateTokens approximates the token cost of a turn's text without a
// tokenizer: one token per four characters, plus one for the role header.
// Deterministic, so trimming decisions are stable across retries.
func EstimateTokens(text string) int {
	return len(text)/4 + 1
}

// NewTurn builds a turn with its token estimate computed up front.
func NewTurn(role session.Role, text string) session.Turn {
	return session.Turn{
		Role:       role,
		Text:       text,
		TokenCount: EstimateTokens(text),
		Timestamp:  time.Now().UTC(),
	}
}

// Trim applies the turn-count rule, then the token-budget rule. It is
// order-preserving and idempotent: Trim(Trim(t)) == Trim(t). The newest
// turn always survives so the current request is never dropped.
func Trim(turns []session.Turn, lim Limits) []session.Turn {
	out := turns
	if lim.MaxTurns > 0 && len(out) > lim.MaxTurns {
		out = out[len(out)-lim.MaxTurns:]
	}
	if lim.MaxTokens > 0 {
		total := 0
		for _, t := range out {
			total += t.TokenCount
		}
		for len(out) > 1 && total > lim.MaxTokens {
			total -= out[0].TokenCount
			out = out[1:]
		}
	}
	return out
}

// Prepare builds the prompt turn list for a generation call. The user turn
// is appended to a working copy of the session's turns and the copy is
// trimmed; the session itself is untouched until the pipeline commits. The
// returned user turn is what the caller appends on success.
func Prepare(sess session.Session, userText string, lim Limits) ([]session.Turn, session.Turn) {
	userTurn := NewTurn(session.RoleUser, userText)
	working := make([]session.Turn, 0, len(sess.Turns)+1)
	working = append(working, sess.Turns...)
	working = append(working, userTurn)
	return Trim(working, lim), userTurn
}
