package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
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

type genFunc func(ctx context.Context, req engine.Request) (engine.Response, error)

func (f genFunc) Generate(ctx context.Context, req engine.Request) (engine.Response, error) {
	return f(ctx, req)
}

func lastUserText(turns []session.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == session.RoleUser {
			return turns[i].Text
		}
	}
	return ""
}

type busMsg struct {
	topic   string
	payload []byte
}

type testEnv struct {
	bus      *transport.Bus
	store    *session.Store
	broker   *Broker
	resp     chan busMsg
	sessResp chan busMsg
}

func newTestEnv(t *testing.T, gen engine.Generator, sched SchedulerConfig) *testEnv {
	t.Helper()

	bus := transport.NewBus()
	store := session.NewStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry(), "test")
	logger := zerolog.Nop()

	b := New(Config{
		Namespace:           "llama",
		DefaultSystemPrompt: "base prompt",
		Limits:              history.Limits{MaxTurns: 20, MaxTokens: 100000},
		MaxGenTokens:        64,
		Retry:               reliability.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 4 * time.Millisecond},
		Scheduler:           sched,
	}, store, gen, bus, archive.NewInMemoryStore(), metrics, logger)

	e := &testEnv{
		bus:      bus,
		store:    store,
		broker:   b,
		resp:     make(chan busMsg, 64),
		sessResp: make(chan busMsg, 16),
	}
	if err := bus.Subscribe("llama/assistant_response/+", func(topic string, payload []byte) {
		e.resp <- busMsg{topic: topic, payload: payload}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := bus.Subscribe("llama/session/response", func(topic string, payload []byte) {
		e.sessResp <- busMsg{topic: topic, payload: payload}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		b.Wait()
	})
	return e
}

func (e *testEnv) send(t *testing.T, topic, payload string) {
	t.Helper()
	if err := e.bus.Publish(topic, []byte(payload)); err != nil {
		t.Fatalf("Publish(%s) error = %v", topic, err)
	}
}

func waitMsg(t *testing.T, ch <-chan busMsg) busMsg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a response")
		return busMsg{}
	}
}

func expectQuiet(t *testing.T, ch <-chan busMsg) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected extra response on %s: %s", m.topic, m.payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func decodeAssistant(t *testing.T, m busMsg) protocol.AssistantResponse {
	t.Helper()
	var ar protocol.AssistantResponse
	if err := json.Unmarshal(m.payload, &ar); err != nil {
		t.Fatalf("unmarshal %s: %v", m.payload, err)
	}
	return ar
}

func TestChatConversationAccumulatesTurns(t *testing.T) {
	e := newTestEnv(t, engine.NewMockGenerator(), SchedulerConfig{Workers: 2, MaxDepth: 8})

	e.send(t, "llama/user_input/s1", `{"message":"Hi"}`)
	m := waitMsg(t, e.resp)
	if m.topic != "llama/assistant_response/s1" {
		t.Fatalf("response topic = %s", m.topic)
	}
	if ar := decodeAssistant(t, m); ar.Text != "I heard you: Hi" || ar.Error != "" {
		t.Fatalf("response = %+v", ar)
	}

	e.send(t, "llama/user_input/s1", `{"message":"What's 2+2?"}`)
	if ar := decodeAssistant(t, waitMsg(t, e.resp)); ar.Text != "I heard you: What's 2+2?" {
		t.Fatalf("response = %+v", ar)
	}

	sess, ok := e.store.Get("s1")
	if !ok {
		t.Fatalf("session s1 missing")
	}
	if sess.SystemPrompt != "base prompt" {
		t.Fatalf("SystemPrompt = %q", sess.SystemPrompt)
	}
	wantTexts := []string{"Hi", "I heard you: Hi", "What's 2+2?", "I heard you: What's 2+2?"}
	if len(sess.Turns) != len(wantTexts) {
		t.Fatalf("len(Turns) = %d, want %d", len(sess.Turns), len(wantTexts))
	}
	for i, want := range wantTexts {
		if sess.Turns[i].Text != want {
			t.Fatalf("Turns[%d].Text = %q, want %q", i, sess.Turns[i].Text, want)
		}
		wantRole := session.RoleUser
		if i%2 == 1 {
			wantRole = session.RoleAssistant
		}
		if sess.Turns[i].Role != wantRole {
			t.Fatalf("Turns[%d].Role = %q, want %q", i, sess.Turns[i].Role, wantRole)
		}
	}
}

func TestSessionCreateFlow(t *testing.T) {
	e := newTestEnv(t, engine.NewMockGenerator(), SchedulerConfig{Workers: 1, MaxDepth: 8})

	e.send(t, "llama/session", `{"system_prompt":"pirate"}`)
	var created protocol.SessionCreated
	if err := json.Unmarshal(waitMsg(t, e.sessResp).payload, &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("empty session id in creation response")
	}

	sess, ok := e.store.Get(created.SessionID)
	if !ok {
		t.Fatalf("created session not in store")
	}
	if sess.SystemPrompt != "pirate" {
		t.Fatalf("SystemPrompt = %q, want pirate", sess.SystemPrompt)
	}

	e.send(t, "llama/user_input/"+created.SessionID, `{"message":"ahoy"}`)
	m := waitMsg(t, e.resp)
	if m.topic != "llama/assistant_response/"+created.SessionID {
		t.Fatalf("response topic = %s", m.topic)
	}
}

func TestQueueFullRejectsBusy(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	gen := genFunc(func(ctx context.Context, req engine.Request) (engine.Response, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return engine.Response{Text: "done"}, nil
	})

	e := newTestEnv(t, gen, SchedulerConfig{Workers: 2, MaxDepth: 2})

	e.send(t, "llama/user_input/b1", `{"message":"long one"}`)
	e.send(t, "llama/user_input/b2", `{"message":"long two"}`)
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(3 * time.Second):
			t.Fatalf("worker %d never started", i)
		}
	}

	// Both workers are occupied, so these fill the queue to maxDepth.
	e.send(t, "llama/user_input/q3", `{"message":"queued"}`)
	e.send(t, "llama/user_input/q4", `{"message":"queued"}`)

	e.send(t, "llama/user_input/q5", `{"message":"one too many"}`)
	m := waitMsg(t, e.resp)
	if m.topic != "llama/assistant_response/q5" {
		t.Fatalf("rejection topic = %s", m.topic)
	}
	if ar := decodeAssistant(t, m); !strings.HasPrefix(ar.Error, "Busy") {
		t.Fatalf("rejection = %+v, want Busy error", ar)
	}

	close(release)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		m := waitMsg(t, e.resp)
		if ar := decodeAssistant(t, m); ar.Error != "" {
			t.Fatalf("accepted item failed: %+v", ar)
		}
		if seen[m.topic] {
			t.Fatalf("duplicate terminal response on %s", m.topic)
		}
		seen[m.topic] = true
	}
	for _, key := range []string{"b1", "b2", "q3", "q4"} {
		if !seen["llama/assistant_response/"+key] {
			t.Fatalf("no terminal response for %s", key)
		}
	}
	expectQuiet(t, e.resp)
}

func TestTimeoutLeavesHistoryUnchanged(t *testing.T) {
	gen := genFunc(func(context.Context, engine.Request) (engine.Response, error) {
		return engine.Response{}, engine.ErrTimeout
	})
	e := newTestEnv(t, gen, SchedulerConfig{Workers: 1, MaxDepth: 8})

	e.send(t, "llama/user_input/s1", `{"message":"slow question"}`)
	ar := decodeAssistant(t, waitMsg(t, e.resp))
	if !strings.HasPrefix(ar.Error, "Timeout") {
		t.Fatalf("response = %+v, want Timeout error", ar)
	}

	sess, ok := e.store.Get("s1")
	if !ok {
		t.Fatalf("session should survive a timed-out generation")
	}
	if len(sess.Turns) != 0 {
		t.Fatalf("len(Turns) = %d, failed generations must not commit turns", len(sess.Turns))
	}
	expectQuiet(t, e.resp)
}

func TestTransientErrorsRetried(t *testing.T) {
	var calls int32
	gen := genFunc(func(context.Context, engine.Request) (engine.Response, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return engine.Response{}, &engine.TransientError{Reason: "overloaded"}
		}
		return engine.Response{Text: "recovered"}, nil
	})
	e := newTestEnv(t, gen, SchedulerConfig{Workers: 1, MaxDepth: 8})

	e.send(t, "llama/user_input/s1", `{"message":"try hard"}`)
	if ar := decodeAssistant(t, waitMsg(t, e.resp)); ar.Text != "recovered" {
		t.Fatalf("response = %+v", ar)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("generator called %d times, want 3", n)
	}

	sess, _ := e.store.Get("s1")
	if len(sess.Turns) != 2 {
		t.Fatalf("len(Turns) = %d, want the committed exchange", len(sess.Turns))
	}
}

func TestTerminalErrorNotRetried(t *testing.T) {
	var calls int32
	gen := genFunc(func(context.Context, engine.Request) (engine.Response, error) {
		atomic.AddInt32(&calls, 1)
		return engine.Response{}, &engine.TerminalError{Reason: "prompt rejected"}
	})
	e := newTestEnv(t, gen, SchedulerConfig{Workers: 1, MaxDepth: 8})

	e.send(t, "llama/user_input/s1", `{"message":"bad"}`)
	ar := decodeAssistant(t, waitMsg(t, e.resp))
	if !strings.HasPrefix(ar.Error, "GenerationError") {
		t.Fatalf("response = %+v", ar)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("generator called %d times, terminal errors must not retry", n)
	}
	sess, _ := e.store.Get("s1")
	if len(sess.Turns) != 0 {
		t.Fatalf("len(Turns) = %d, want 0", len(sess.Turns))
	}
}

func TestSingleFlightPerSession(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0
	gen := genFunc(func(_ context.Context, req engine.Request) (engine.Response, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return engine.Response{Text: "echo " + lastUserText(req.Turns)}, nil
	})
	e := newTestEnv(t, gen, SchedulerConfig{Workers: 4, MaxDepth: 16})

	const n = 5
	for i := 1; i <= n; i++ {
		e.send(t, "llama/user_input/s1", `{"message":"m`+strconv.Itoa(i)+`"}`)
	}
	for i := 1; i <= n; i++ {
		want := "echo m" + strconv.Itoa(i)
		if ar := decodeAssistant(t, waitMsg(t, e.resp)); ar.Text != want {
			t.Fatalf("response %d = %+v, want %q", i, ar, want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("maxActive = %d, a session must never generate concurrently", maxActive)
	}

	sess, _ := e.store.Get("s1")
	if len(sess.Turns) != 2*n {
		t.Fatalf("len(Turns) = %d, want %d", len(sess.Turns), 2*n)
	}
	for i := 0; i < n; i++ {
		if got, want := sess.Turns[2*i].Text, "m"+strconv.Itoa(i+1); got != want {
			t.Fatalf("Turns[%d].Text = %q, want %q", 2*i, got, want)
		}
	}
}

func TestDeleteRecreatesFreshSession(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	gen := genFunc(func(ctx context.Context, req engine.Request) (engine.Response, error) {
		if lastUserText(req.Turns) == "block" {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return engine.Response{Text: "ok: " + lastUserText(req.Turns)}, nil
	})
	e := newTestEnv(t, gen, SchedulerConfig{Workers: 1, MaxDepth: 8})

	e.store.GetOrCreate("s1", "old prompt")
	if err := e.store.Append("s1",
		history.NewTurn(session.RoleUser, "earlier"),
		history.NewTurn(session.RoleAssistant, "earlier reply"),
	); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Occupy the only worker, then queue a chat behind a delete for the
	// same session. The delete runs first (control class) and the chat
	// must land on a fresh session.
	e.send(t, "llama/user_input/blocker", `{"message":"block"}`)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("blocker never started")
	}
	e.send(t, "llama/user_input/s1", `{"message":"after"}`)
	e.send(t, "llama/delete_session/s1", "")
	close(release)

	if m := waitMsg(t, e.resp); m.topic != "llama/assistant_response/blocker" {
		t.Fatalf("first response on %s, want blocker", m.topic)
	}
	if ar := decodeAssistant(t, waitMsg(t, e.resp)); ar.Text != "session deleted" {
		t.Fatalf("delete ack = %+v", ar)
	}
	if ar := decodeAssistant(t, waitMsg(t, e.resp)); ar.Text != "ok: after" {
		t.Fatalf("chat response = %+v", ar)
	}

	sess, ok := e.store.Get("s1")
	if !ok {
		t.Fatalf("session should have been recreated for the queued chat")
	}
	if sess.SystemPrompt != "base prompt" {
		t.Fatalf("SystemPrompt = %q, recreated session must use the default", sess.SystemPrompt)
	}
	if len(sess.Turns) != 2 || sess.Turns[0].Text != "after" {
		t.Fatalf("Turns = %+v, want only the post-delete exchange", sess.Turns)
	}
}

func TestDeleteUnknownSessionReportsNotFound(t *testing.T) {
	e := newTestEnv(t, engine.NewMockGenerator(), SchedulerConfig{Workers: 1, MaxDepth: 8})

	e.send(t, "llama/delete_session/ghost", "")
	ar := decodeAssistant(t, waitMsg(t, e.resp))
	if !strings.HasPrefix(ar.Error, "SessionNotFound") {
		t.Fatalf("response = %+v, want SessionNotFound", ar)
	}
}

func TestWorkerPanicProducesErrorAndRecovers(t *testing.T) {
	var calls int32
	gen := genFunc(func(context.Context, engine.Request) (engine.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("generation blew up")
		}
		return engine.Response{Text: "fine"}, nil
	})
	e := newTestEnv(t, gen, SchedulerConfig{Workers: 1, MaxDepth: 8})

	e.send(t, "llama/user_input/s1", `{"message":"boom"}`)
	ar := decodeAssistant(t, waitMsg(t, e.resp))
	if !strings.HasPrefix(ar.Error, "InternalError") {
		t.Fatalf("response = %+v, want InternalError", ar)
	}

	// The replacement worker and the released lease both get exercised here.
	e.send(t, "llama/user_input/s1", `{"message":"still there?"}`)
	if ar := decodeAssistant(t, waitMsg(t, e.resp)); ar.Text != "fine" {
		t.Fatalf("response after panic = %+v", ar)
	}
	if e.store.Leased("s1") {
		t.Fatalf("lease leaked after panic")
	}
}

func TestActionRequestRoundTrip(t *testing.T) {
	gen := genFunc(func(context.Context, engine.Request) (engine.Response, error) {
		return engine.Response{
			Text: `{"actions":[{"actionType":"emotion","parameters":{"emotionType":"happy"},"duration":2}],"reasoning":"greeting"}`,
		}, nil
	})
	e := newTestEnv(t, gen, SchedulerConfig{Workers: 1, MaxDepth: 8})

	e.send(t, "llama/action/npc7", `{"requestId":"r1","npcId":"guard","context":"village gate","message":"player waves"}`)
	m := waitMsg(t, e.resp)
	if m.topic != "llama/assistant_response/npc7" {
		t.Fatalf("response topic = %s", m.topic)
	}

	var resp protocol.ActionResponse
	if err := json.Unmarshal(m.payload, &resp); err != nil {
		t.Fatalf("unmarshal action response: %v", err)
	}
	if !resp.Success || resp.RequestID != "r1" || resp.NPCID != "guard" {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Actions) != 1 || resp.Actions[0].Type != "emotion" {
		t.Fatalf("Actions = %+v", resp.Actions)
	}
	if resp.Reasoning != "greeting" {
		t.Fatalf("Reasoning = %q", resp.Reasoning)
	}

	sess, _ := e.store.Get("npc7")
	if len(sess.Turns) != 2 {
		t.Fatalf("len(Turns) = %d, action exchanges must commit to history", len(sess.Turns))
	}
}
