package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tanglab/llamabroker/internal/protocol"
	"github.com/tanglab/llamabroker/internal/session"
)

// sessionKeyAttempts bounds collision re-rolls when minting a new key.
// uuid collisions are theoretical; the bound keeps the loop finite.
const sessionKeyAttempts = 5

// Router parses inbound transport messages into typed work items and
// validates them before enqueue. It runs on the transport's receive
// goroutine, so it only routes and enqueues; generation never happens
// here.
type Router struct {
	ns                  string
	store               *session.Store
	sched               *Scheduler
	pub                 *Publisher
	defaultSystemPrompt string
	log                 zerolog.Logger
}

func NewRouter(namespace string, store *session.Store, sched *Scheduler, pub *Publisher, defaultSystemPrompt string, logger zerolog.Logger) *Router {
	return &Router{
		ns:                  namespace,
		store:               store,
		sched:               sched,
		pub:                 pub,
		defaultSystemPrompt: defaultSystemPrompt,
		log:                 logger,
	}
}

// HandleMessage is the transport handler for every inbound pattern.
// Malformed requests are answered directly; session creation bypasses the
// queue; everything else is enqueued or rejected as Busy.
func (r *Router) HandleMessage(topic string, payload []byte) {
	it, err := r.Route(topic, payload)
	if err != nil {
		r.log.Warn().Err(err).Str("topic", topic).Msg("rejected inbound message")
		r.pub.EmitRejection(r.errorReplyTopic(topic), CodeInvalidPayload, err.Error())
		return
	}

	if it.Kind == KindSessionCreate {
		r.store.GetOrCreate(it.SessionKey, it.SystemPrompt)
		r.pub.EmitSessionCreated(it.SessionKey)
		r.log.Info().Str("session", it.SessionKey).Msg("session created")
		return
	}

	if !r.sched.Enqueue(it) {
		r.log.Warn().Str("session", it.SessionKey).Str("kind", string(it.Kind)).Msg("queue full, rejecting")
		r.pub.EmitRejection(r.pub.responseTopic(it.SessionKey), CodeBusy, "queue is at capacity, retry later")
		return
	}
}

// Route parses a topic and payload into a work item. The returned item is
// not yet enqueued. Outbound topics and unknown patterns fail as
// ErrInvalidPayload.
func (r *Router) Route(topic string, payload []byte) (*Item, error) {
	switch {
	case topic == r.ns+"/session":
		req, err := protocol.ParseSessionCreate(payload)
		if err != nil {
			return nil, err
		}
		key, err := r.newSessionKey()
		if err != nil {
			return nil, err
		}
		prompt := strings.TrimSpace(req.SystemPrompt)
		if prompt == "" {
			prompt = r.defaultSystemPrompt
		}
		return &Item{
			ID:           uuid.NewString(),
			SessionKey:   key,
			Kind:         KindSessionCreate,
			Priority:     PriorityControl,
			EnqueuedAt:   time.Now().UTC(),
			SystemPrompt: prompt,
		}, nil

	case strings.HasPrefix(topic, r.ns+"/user_input/"):
		key, err := r.sessionKeyFromTopic(topic, r.ns+"/user_input/")
		if err != nil {
			return nil, err
		}
		req, err := protocol.ParseChat(payload)
		if err != nil {
			return nil, err
		}
		return &Item{
			ID:         uuid.NewString(),
			SessionKey: key,
			Kind:       KindChat,
			Priority:   PriorityDefault,
			EnqueuedAt: time.Now().UTC(),
			Chat:       req,
		}, nil

	case strings.HasPrefix(topic, r.ns+"/action/"):
		key, err := r.sessionKeyFromTopic(topic, r.ns+"/action/")
		if err != nil {
			return nil, err
		}
		req, err := protocol.ParseAction(payload)
		if err != nil {
			return nil, err
		}
		return &Item{
			ID:         uuid.NewString(),
			SessionKey: key,
			Kind:       KindAction,
			Priority:   PriorityDefault,
			EnqueuedAt: time.Now().UTC(),
			Action:     req,
		}, nil

	case strings.HasPrefix(topic, r.ns+"/delete_session/"):
		key, err := r.sessionKeyFromTopic(topic, r.ns+"/delete_session/")
		if err != nil {
			return nil, err
		}
		if _, err := protocol.ParseSessionDelete(payload, key); err != nil {
			return nil, err
		}
		return &Item{
			ID:         uuid.NewString(),
			SessionKey: key,
			Kind:       KindSessionDelete,
			Priority:   PriorityControl,
			EnqueuedAt: time.Now().UTC(),
		}, nil

	default:
		return nil, fmt.Errorf("%w: unroutable topic %q", protocol.ErrInvalidPayload, topic)
	}
}

func (r *Router) sessionKeyFromTopic(topic, prefix string) (string, error) {
	key := strings.TrimPrefix(topic, prefix)
	if key == "" || strings.Contains(key, "/") {
		return "", fmt.Errorf("%w: malformed session id in topic %q", protocol.ErrInvalidPayload, topic)
	}
	return key, nil
}

// newSessionKey mints a random key, re-rolling on the (theoretical)
// collision with a live session.
func (r *Router) newSessionKey() (string, error) {
	for i := 0; i < sessionKeyAttempts; i++ {
		key := uuid.NewString()
		if _, ok := r.store.Get(key); !ok {
			return key, nil
		}
	}
	return "", errors.New("could not mint a unique session key")
}

// errorReplyTopic derives where to send a rejection for a malformed
// request, when the topic shape still identifies the session.
func (r *Router) errorReplyTopic(topic string) string {
	for _, prefix := range []string{r.ns + "/user_input/", r.ns + "/action/", r.ns + "/delete_session/"} {
		if strings.HasPrefix(topic, prefix) {
			key := strings.TrimPrefix(topic, prefix)
			if key != "" && !strings.Contains(key, "/") {
				return r.pub.responseTopic(key)
			}
		}
	}
	if topic == r.ns+"/session" {
		return r.pub.sessionResponseTopic()
	}
	return ""
}
