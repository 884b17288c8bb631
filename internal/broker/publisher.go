package broker

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanglab/llamabroker/internal/observability"
	"github.com/tanglab/llamabroker/internal/protocol"
	"github.com/tanglab/llamabroker/internal/transport"
)

// Error codes surfaced to callers in the response payload.
const (
	CodeInvalidPayload  = "InvalidPayload"
	CodeBusy            = "Busy"
	CodeSessionNotFound = "SessionNotFound"
	CodeTimeout         = "Timeout"
	CodeGenerationError = "GenerationError"
	CodeInternal        = "InternalError"
)

// Publisher converts completed or failed work items into outbound payloads
// and publishes them to the session's response topic. Every accepted item
// produces exactly one terminal publish; the metrics recording rides the
// same call so outcomes and publishes cannot diverge.
type Publisher struct {
	tr      transport.Transport
	ns      string
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPublisher(tr transport.Transport, namespace string, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	return &Publisher{tr: tr, ns: namespace, metrics: metrics, log: logger}
}

func (p *Publisher) responseTopic(sessionKey string) string {
	return p.ns + "/assistant_response/" + sessionKey
}

func (p *Publisher) sessionResponseTopic() string {
	return p.ns + "/session/response"
}

// EmitSessionCreated replies to a session-creation request with the new key.
func (p *Publisher) EmitSessionCreated(sessionKey string) {
	p.publish(p.sessionResponseTopic(), protocol.SessionCreated{SessionID: sessionKey})
}

// EmitText publishes the successful chat result for an item.
func (p *Publisher) EmitText(it *Item, text string) {
	p.publish(p.responseTopic(it.SessionKey), protocol.AssistantResponse{Text: text})
	p.metrics.RecordOutcome(observability.OutcomeCompleted, time.Since(it.EnqueuedAt))
}

// EmitActions publishes the successful action result for an item.
func (p *Publisher) EmitActions(it *Item, actions []protocol.Action, reasoning string) {
	p.publish(p.responseTopic(it.SessionKey), protocol.ActionResponse{
		RequestID: it.Action.RequestID,
		NPCID:     it.Action.NPCID,
		Success:   true,
		Actions:   actions,
		Reasoning: reasoning,
	})
	p.metrics.RecordOutcome(observability.OutcomeCompleted, time.Since(it.EnqueuedAt))
}

// EmitItemError publishes the terminal failure for an accepted item.
func (p *Publisher) EmitItemError(it *Item, code, msg string) {
	errText := code + ": " + msg
	if it.Kind == KindAction {
		p.publish(p.responseTopic(it.SessionKey), protocol.ActionResponse{
			RequestID: it.Action.RequestID,
			NPCID:     it.Action.NPCID,
			Success:   false,
			Error:     errText,
			Actions:   []protocol.Action{},
		})
	} else {
		p.publish(p.responseTopic(it.SessionKey), protocol.AssistantResponse{Error: errText})
	}

	outcome := observability.OutcomeFailed
	if code == CodeTimeout {
		outcome = observability.OutcomeTimeout
	}
	p.metrics.RecordOutcome(outcome, time.Since(it.EnqueuedAt))
}

// EmitRejection publishes an error for a request refused before acceptance
// (malformed payload or a full queue). replyTopic may be empty when the
// sender's response topic cannot be derived; the rejection is still
// counted.
func (p *Publisher) EmitRejection(replyTopic, code, msg string) {
	if replyTopic != "" {
		p.publish(replyTopic, protocol.AssistantResponse{Error: code + ": " + msg})
	}
	outcome := observability.OutcomeInvalid
	if code == CodeBusy {
		outcome = observability.OutcomeRejected
	}
	p.metrics.RecordRejection(outcome)
}

func (p *Publisher) publish(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("marshal outbound payload")
		return
	}
	if err := p.tr.Publish(topic, raw); err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("publish failed")
	}
}
