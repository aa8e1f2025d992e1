package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
)

// fakeWire records responses written back on one transport.
type fakeWire struct {
	mu        sync.Mutex
	responses []*protocol.Response
	requests  []*protocol.Request
}

func (w *fakeWire) SendResponse(resp *protocol.Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.responses = append(w.responses, resp)
	return nil
}

func (w *fakeWire) SendPingResponse(resp *protocol.Response) error {
	return w.SendResponse(resp)
}

func (w *fakeWire) DispatchRequest(ctx context.Context, req *protocol.Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests = append(w.requests, req)
	return nil
}

func (w *fakeWire) sent() []*protocol.Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*protocol.Response(nil), w.responses...)
}

func (w *fakeWire) lastResponse() *protocol.Response {
	sent := w.sent()
	if len(sent) == 0 {
		return nil
	}
	return sent[len(sent)-1]
}

// fakeFactory builds sessions wired to a fakeWire per transport.
type fakeFactory struct {
	wire        *fakeWire
	transportID string
	mu          sync.Mutex
	updated     []*session.ServerSession
}

func (f *fakeFactory) CreateSession(sessionID string, registerInfo interface{}) *session.ServerSession {
	return session.NewServerSession(sessionID, registerInfo, f.transportID, f.wire)
}

func (f *fakeFactory) UpdateSessionOnReconnection(s *session.ServerSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, s)
	s.SetDispatcher(f.wire)
}

// fakeScheduler records scheduled tasks and fires them on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	tasks  []*fakeTask
	reject bool
}

type fakeTask struct {
	run       func()
	at        time.Time
	cancelled bool
	mu        *sync.Mutex
}

func (t *fakeTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

func (s *fakeScheduler) Schedule(task func(), at time.Time) (session.TimerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return nil, fmt.Errorf("scheduler rejected")
	}
	ft := &fakeTask{run: task, at: at, mu: &s.mu}
	s.tasks = append(s.tasks, ft)
	return ft, nil
}

func (s *fakeScheduler) Shutdown() {}

// fireAll runs every non-cancelled task once.
func (s *fakeScheduler) fireAll() {
	s.mu.Lock()
	tasks := append([]*fakeTask(nil), s.tasks...)
	s.tasks = nil
	s.mu.Unlock()
	for _, t := range tasks {
		t.mu.Lock()
		cancelled := t.cancelled
		t.mu.Unlock()
		if !cancelled {
			t.run()
		}
	}
}

func (s *fakeScheduler) pendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// testHandler records lifecycle events and answers "echo" with its params.
type testHandler struct {
	mu          sync.Mutex
	established []string
	closed      map[string]string
	exceptions  []error
	known       map[string]bool
	recovered   []string
	panicOn     string
}

func newTestHandler() *testHandler {
	return &testHandler{
		closed: make(map[string]string),
		known:  make(map[string]bool),
	}
}

func (h *testHandler) AfterConnectionEstablished(s session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.established = append(h.established, s.SessionID())
}

func (h *testHandler) AfterConnectionClosed(s session.Session, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed[s.SessionID()] = reason
}

func (h *testHandler) HandleTransportError(s session.Session, err error) {}

func (h *testHandler) HandleUncaughtException(s session.Session, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exceptions = append(h.exceptions, err)
}

func (h *testHandler) HandleRequest(s session.Session, req *protocol.Request, tx *session.Transaction) error {
	if req.Method == h.panicOn {
		panic("handler exploded")
	}
	switch req.Method {
	case "echo":
		return tx.SendResponse(json.RawMessage(req.Params))
	case "fail":
		return fmt.Errorf("application failure")
	case "silent":
		return nil
	default:
		return tx.SendError(protocol.MethodNotFound, "unknown method", nil)
	}
}

func (h *testHandler) IsSessionKnown(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.known[sessionID]
}

func (h *testHandler) ProcessNewCreatedKnownSession(s session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recovered = append(h.recovered, s.SessionID())
}

func newTestManager(t *testing.T, handler Handler) (*ProtocolManager, *fakeScheduler) {
	t.Helper()
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	cfg.Scheduler = sched
	return NewProtocolManager(handler, cfg), sched
}

func rawRequest(t *testing.T, id int64, method, sessionID string, params interface{}) []byte {
	t.Helper()
	req, err := protocol.NewRequest(protocol.ID(id), method, params)
	require.NoError(t, err)
	req.SessionID = sessionID
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

func connect(t *testing.T, m *ProtocolManager, wire *fakeWire, transportID, sessionID string) string {
	t.Helper()
	factory := &fakeFactory{wire: wire, transportID: transportID}
	m.ProcessMessage(context.Background(), rawRequest(t, 1, protocol.MethodConnect, sessionID, nil), factory, wire, transportID)
	resp := wire.lastResponse()
	require.NotNil(t, resp)
	return resp.SessionID
}

func TestConnectCreatesSession(t *testing.T) {
	handler := newTestHandler()
	m, _ := newTestManager(t, handler)
	wire := &fakeWire{}

	sessionID := connect(t, m, wire, "tr-1", "")

	resp := wire.lastResponse()
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"OK"`), resp.Result)
	assert.Len(t, sessionID, 64, "session ids are 32 random bytes hex encoded")

	s := m.Registry().Get(sessionID)
	require.NotNil(t, s)
	assert.True(t, s.IsNew())
	assert.Same(t, s, m.SessionByTransportID("tr-1"))
	assert.Equal(t, []string{sessionID}, handler.established)
}

func TestConnectSessionIDsAreUnique(t *testing.T) {
	m, _ := newTestManager(t, newTestHandler())

	first := connect(t, m, &fakeWire{}, "tr-1", "")
	second := connect(t, m, &fakeWire{}, "tr-2", "")
	assert.NotEqual(t, first, second)
}

func TestReconnectRebindsTransport(t *testing.T) {
	handler := newTestHandler()
	m, _ := newTestManager(t, handler)

	wire1 := &fakeWire{}
	sessionID := connect(t, m, wire1, "tr-1", "")
	s := m.Registry().Get(sessionID)
	require.NotNil(t, s)

	wire2 := &fakeWire{}
	got := connect(t, m, wire2, "tr-2", sessionID)

	assert.Equal(t, sessionID, got)
	resp := wire2.lastResponse()
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"reconnected"`), resp.Result)

	assert.Same(t, s, m.SessionByTransportID("tr-2"))
	assert.Nil(t, m.SessionByTransportID("tr-1"))
	assert.Equal(t, "tr-2", s.TransportID())
	assert.False(t, s.IsNew())
	// Only one session was ever established.
	assert.Len(t, handler.established, 1)
}

func TestRepeatedConnectSameTransportKeepsSession(t *testing.T) {
	handler := newTestHandler()
	m, _ := newTestManager(t, handler)
	wire := &fakeWire{}

	first := connect(t, m, wire, "tr-1", "")
	second := connect(t, m, wire, "tr-1", "")

	// A second handshake on the same transport is not a new peer.
	assert.Equal(t, first, second)
	assert.Equal(t, 1, m.Registry().Len())
	assert.Len(t, handler.established, 1)
}

func TestDuplicateConnectWithIDKeepsTransportBinding(t *testing.T) {
	m, sched := newTestManager(t, newTestHandler())
	wire := &fakeWire{}

	sessionID := connect(t, m, wire, "tr-1", "")
	s := m.Registry().Get(sessionID)
	require.NotNil(t, s)

	got := connect(t, m, wire, "tr-1", sessionID)
	assert.Equal(t, sessionID, got)
	resp := wire.lastResponse()
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"reconnected"`), resp.Result)

	// The binding survives the duplicate handshake, so a transport drop still
	// finds the session and opens the reconnection window.
	require.Same(t, s, m.SessionByTransportID("tr-1"))
	m.CloseSessionIfTimeout("tr-1", "connectionClosed")
	assert.Equal(t, 1, sched.pendingTasks())
}

func TestReconnectToGhostSessionFails(t *testing.T) {
	m, _ := newTestManager(t, newTestHandler())
	wire := &fakeWire{}

	connect(t, m, wire, "tr-1", "no-such-session")

	resp := wire.lastResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ReconnectionErrorCode, resp.Error.Code)
	assert.Equal(t, protocol.ReconnectionErrorMessage, resp.Error.Message)
	assert.Zero(t, m.Registry().Len())
}

func TestConnectRecoversSessionKnownByHandler(t *testing.T) {
	handler := newTestHandler()
	handler.known["survivor"] = true
	m, _ := newTestManager(t, handler)
	wire := &fakeWire{}

	got := connect(t, m, wire, "tr-1", "survivor")

	assert.Equal(t, "survivor", got)
	resp := wire.lastResponse()
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"reconnected"`), resp.Result)
	assert.Equal(t, []string{"survivor"}, handler.recovered)

	s := m.Registry().Get("survivor")
	require.NotNil(t, s)
	assert.False(t, s.IsNew())
}

func TestPingAnswersPong(t *testing.T) {
	m, _ := newTestManager(t, newTestHandler())
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), rawRequest(t, 2, protocol.MethodPing, sessionID, map[string]int64{protocol.IntervalField: 5000}), factory, wire, "tr-1")

	resp := wire.lastResponse()
	require.Nil(t, resp.Error)
	assert.Equal(t, sessionID, resp.SessionID)
	require.NotNil(t, resp.ID)
	assert.Equal(t, int64(2), *resp.ID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &payload))
	assert.Equal(t, protocol.PongValue, payload[protocol.PongPayloadField])
}

func TestHeartbeatBudget(t *testing.T) {
	m, _ := newTestManager(t, newTestHandler())
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")
	m.SetMaxHeartbeats(2)

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	before := len(wire.sent())
	for i := 0; i < 5; i++ {
		m.ProcessMessage(context.Background(), rawRequest(t, int64(10+i), protocol.MethodPing, sessionID, nil), factory, wire, "tr-1")
	}

	// A budget of two means the second ping already goes unanswered.
	assert.Equal(t, before+1, len(wire.sent()), "only pings below the budget are answered")
}

func TestCloseAcksByeThenDisposes(t *testing.T) {
	handler := newTestHandler()
	m, _ := newTestManager(t, handler)
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), rawRequest(t, 3, protocol.MethodClose, sessionID, nil), factory, wire, "tr-1")

	resp := wire.lastResponse()
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"bye"`), resp.Result)
	assert.Equal(t, sessionID, resp.SessionID)

	assert.Nil(t, m.Registry().Get(sessionID))
	assert.Equal(t, "closedByClient", handler.closed[sessionID])
}

func TestApplicationRequestReachesHandler(t *testing.T) {
	m, _ := newTestManager(t, newTestHandler())
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), rawRequest(t, 4, "echo", sessionID, map[string]string{"k": "v"}), factory, wire, "tr-1")

	resp := wire.lastResponse()
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"k":"v"}`, string(resp.Result))
	assert.Equal(t, sessionID, resp.SessionID)
}

func TestApplicationRequestUnknownSessionCreatesOneWithThatID(t *testing.T) {
	handler := newTestHandler()
	m, _ := newTestManager(t, handler)
	wire := &fakeWire{}

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), rawRequest(t, 4, "echo", "ghost", map[string]string{"k": "v"}), factory, wire, "tr-1")

	// The peer's id is honored: a fresh session is created under it and the
	// request is served rather than rejected.
	resp := wire.lastResponse()
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"k":"v"}`, string(resp.Result))
	assert.Equal(t, "ghost", resp.SessionID)

	s := m.Registry().Get("ghost")
	require.NotNil(t, s)
	assert.Same(t, s, m.SessionByTransportID("tr-1"))
	assert.Equal(t, []string{"ghost"}, handler.established)
}

func TestNotificationNeverProducesResponse(t *testing.T) {
	m, _ := newTestManager(t, newTestHandler())
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")
	before := len(wire.sent())

	req, err := protocol.NewRequest(nil, "echo", map[string]string{"k": "v"})
	require.NoError(t, err)
	req.SessionID = sessionID
	data, err := json.Marshal(req)
	require.NoError(t, err)

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), data, factory, wire, "tr-1")

	assert.Equal(t, before, len(wire.sent()), "the handler responded but nothing may reach the wire")
}

func TestHandlerErrorBecomesErrorResponse(t *testing.T) {
	handler := newTestHandler()
	m, _ := newTestManager(t, handler)
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), rawRequest(t, 5, "fail", sessionID, nil), factory, wire, "tr-1")

	resp := wire.lastResponse()
	require.NotNil(t, resp.Error)
	require.Len(t, handler.exceptions, 1)
}

func TestHandlerPanicIsContained(t *testing.T) {
	handler := newTestHandler()
	handler.panicOn = "boom"
	m, _ := newTestManager(t, handler)
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), rawRequest(t, 6, "boom", sessionID, nil), factory, wire, "tr-1")

	resp := wire.lastResponse()
	require.NotNil(t, resp.Error)
	require.Len(t, handler.exceptions, 1)
	assert.Contains(t, handler.exceptions[0].Error(), "panic")
}

func TestInboundResponseRoutedToPendingCall(t *testing.T) {
	m, _ := newTestManager(t, newTestHandler())
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")
	s := m.Registry().Get(sessionID)
	require.NotNil(t, s)

	done := make(chan json.RawMessage, 1)
	go func() {
		result, err := s.SendRequest(context.Background(), "serverToClient", nil)
		require.NoError(t, err)
		done <- result
	}()

	var outbound *protocol.Request
	require.Eventually(t, func() bool {
		wire.mu.Lock()
		defer wire.mu.Unlock()
		if len(wire.requests) == 0 {
			return false
		}
		outbound = wire.requests[0]
		return true
	}, time.Second, time.Millisecond)

	reply := &protocol.Response{
		JSONRPC:   protocol.JSONRPCVersion,
		ID:        outbound.ID,
		Result:    json.RawMessage(`"done"`),
		SessionID: sessionID,
	}
	data, err := json.Marshal(reply)
	require.NoError(t, err)

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), data, factory, wire, "tr-1")

	select {
	case result := <-done:
		assert.Equal(t, json.RawMessage(`"done"`), result)
	case <-time.After(time.Second):
		t.Fatal("pending call was never resolved")
	}
}

func TestPollRoutesBatchedResponses(t *testing.T) {
	m, _ := newTestManager(t, newTestHandler())
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")
	s := m.Registry().Get(sessionID)
	require.NotNil(t, s)

	done := make(chan json.RawMessage, 1)
	go func() {
		result, err := s.SendRequest(context.Background(), "serverToClient", nil)
		require.NoError(t, err)
		done <- result
	}()

	var outbound *protocol.Request
	require.Eventually(t, func() bool {
		wire.mu.Lock()
		defer wire.mu.Unlock()
		if len(wire.requests) == 0 {
			return false
		}
		outbound = wire.requests[0]
		return true
	}, time.Second, time.Millisecond)

	pollParams := map[string]interface{}{
		"responses": []*protocol.Response{{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      outbound.ID,
			Result:  json.RawMessage(`"polled"`),
		}},
	}
	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), rawRequest(t, 8, protocol.MethodPoll, sessionID, pollParams), factory, wire, "tr-1")

	select {
	case result := <-done:
		assert.Equal(t, json.RawMessage(`"polled"`), result)
	case <-time.After(time.Second):
		t.Fatal("batched response was never routed")
	}

	resp := wire.lastResponse()
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestTransportDropSchedulesDisposal(t *testing.T) {
	handler := newTestHandler()
	m, sched := newTestManager(t, handler)
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")

	m.CloseSessionIfTimeout("tr-1", "connectionClosed")
	assert.Equal(t, 1, sched.pendingTasks())
	require.NotNil(t, m.Registry().Get(sessionID), "session survives while the window is open")

	sched.fireAll()
	assert.Nil(t, m.Registry().Get(sessionID))
	assert.Equal(t, "connectionClosed", handler.closed[sessionID])
}

func TestReconnectionCancelsScheduledDisposal(t *testing.T) {
	handler := newTestHandler()
	m, sched := newTestManager(t, handler)
	wire1 := &fakeWire{}
	sessionID := connect(t, m, wire1, "tr-1", "")

	m.CloseSessionIfTimeout("tr-1", "connectionClosed")
	require.Equal(t, 1, sched.pendingTasks())

	wire2 := &fakeWire{}
	connect(t, m, wire2, "tr-2", sessionID)
	assert.Zero(t, sched.pendingTasks(), "rebind must cancel the pending disposal")

	sched.fireAll()
	assert.NotNil(t, m.Registry().Get(sessionID))
	assert.Empty(t, handler.closed)
}

func TestGracefulCloseSkipsReconnectionWindow(t *testing.T) {
	handler := newTestHandler()
	m, sched := newTestManager(t, handler)
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")

	s := m.Registry().Get(sessionID)
	require.NotNil(t, s)
	s.SetGracefullyClosed()

	m.CloseSessionIfTimeout("tr-1", "connectionClosed")
	assert.Zero(t, sched.pendingTasks())
	assert.Nil(t, m.Registry().Get(sessionID))
}

func TestSchedulerRejectionDisposesImmediately(t *testing.T) {
	handler := newTestHandler()
	m, sched := newTestManager(t, handler)
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")

	sched.mu.Lock()
	sched.reject = true
	sched.mu.Unlock()

	m.CloseSessionIfTimeout("tr-1", "connectionClosed")
	assert.Nil(t, m.Registry().Get(sessionID))
}

func TestPingTimeoutDisposesSession(t *testing.T) {
	handler := newTestHandler()
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	cfg.Scheduler = sched
	cfg.PingWatchdog = true
	m := NewProtocolManager(handler, cfg)
	wire := &fakeWire{}

	sessionID := connect(t, m, wire, "tr-1", "")

	factory := &fakeFactory{wire: wire, transportID: "tr-1"}
	m.ProcessMessage(context.Background(), rawRequest(t, 2, protocol.MethodPing, sessionID, map[string]int64{protocol.IntervalField: 1000}), factory, wire, "tr-1")
	require.Equal(t, 1, sched.pendingTasks(), "the heartbeat arms a liveness timer")

	// No further ping arrives before the deadline.
	sched.fireAll()
	assert.Nil(t, m.Registry().Get(sessionID))
	assert.Equal(t, "pingTimeout", handler.closed[sessionID])
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	handler := newTestHandler()
	m, _ := newTestManager(t, handler)
	wire := &fakeWire{}
	sessionID := connect(t, m, wire, "tr-1", "")
	s := m.Registry().Get(sessionID)
	require.NotNil(t, s)

	m.CloseSession(s, "first")
	m.CloseSession(s, "second")

	assert.Equal(t, "first", handler.closed[sessionID], "only the first disposal runs")
}
