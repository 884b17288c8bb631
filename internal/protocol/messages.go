// Package protocol defines the typed payloads exchanged over the broker's
// pub/sub topics and their validation. Parsing happens once, at the router
// boundary; unknown or malformed input is rejected as ErrInvalidPayload
// before it reaches the scheduler.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPayload = errors.New("invalid payload")

// ChatRequest is the inbound body on <ns>/user_input/<sessionId>.
type ChatRequest struct {
	Message     string  `json:"message"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// ActionRequest is the inbound body on <ns>/action/<sessionId>. Context
// describes the controlled agent's surroundings and is opaque to the
// scheduler.
type ActionRequest struct {
	RequestID string `json:"requestId"`
	NPCID     string `json:"npcId,omitempty"`
	Context   string `json:"context,omitempty"`
	Message   string `json:"message"`
}

// SessionCreateRequest is the inbound body on <ns>/session. An empty
// object (or empty payload) is valid; hints are optional.
type SessionCreateRequest struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// SessionDeleteRequest is the inbound body on <ns>/delete_session/<id>.
// The topic segment is authoritative; a body session id, when present,
// must agree with it.
type SessionDeleteRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SessionCreated is published on <ns>/session/response.
type SessionCreated struct {
	SessionID string `json:"sessionId"`
}

// AssistantResponse is published on <ns>/assistant_response/<sessionId>.
// Exactly one is published per accepted work item.
type AssistantResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func ParseChat(raw []byte) (ChatRequest, error) {
	var req ChatRequest
	if err := strictUnmarshal(raw, &req); err != nil {
		return ChatRequest{}, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return ChatRequest{}, fmt.Errorf("%w: message must be a non-empty string", ErrInvalidPayload)
	}
	return req, nil
}

func ParseAction(raw []byte) (ActionRequest, error) {
	var req ActionRequest
	if err := strictUnmarshal(raw, &req); err != nil {
		return ActionRequest{}, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return ActionRequest{}, fmt.Errorf("%w: message must be a non-empty string", ErrInvalidPayload)
	}
	return req, nil
}

func ParseSessionCreate(raw []byte) (SessionCreateRequest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return SessionCreateRequest{}, nil
	}
	var req SessionCreateRequest
	if err := strictUnmarshal(raw, &req); err != nil {
		return SessionCreateRequest{}, err
	}
	return req, nil
}

func ParseSessionDelete(raw []byte, topicSessionID string) (SessionDeleteRequest, error) {
	req := SessionDeleteRequest{SessionID: topicSessionID}
	if len(bytes.TrimSpace(raw)) == 0 {
		return req, nil
	}
	if err := strictUnmarshal(raw, &req); err != nil {
		return SessionDeleteRequest{}, err
	}
	if req.SessionID == "" {
		req.SessionID = topicSessionID
	} else if req.SessionID != topicSessionID {
		return SessionDeleteRequest{}, fmt.Errorf("%w: body session id %q does not match topic %q",
			ErrInvalidPayload, req.SessionID, topicSessionID)
	}
	return req, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
