package obsws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/castbridge/eventlog"
	"github.com/onnwee/castbridge/telemetry"
)

// ConnState is the lifecycle state of the control-protocol session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAwaitingIdentify
	StateIdentified
)

// String returns a human-readable name for the state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingIdentify:
		return "awaiting_identify"
	case StateIdentified:
		return "identified"
	default:
		return "unknown"
	}
}

// DefaultRequestTimeout bounds how long a request waits for its response.
const DefaultRequestTimeout = 10 * time.Second

// EventHandler receives the raw payload of an event frame. Use EventData to
// extract the event-specific fields.
type EventHandler func(data json.RawMessage)

type requestResult struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	requestType string
	issuedAt    time.Time
	ch          chan requestResult
	timer       *time.Timer
}

// Client manages one logical session against the OBS WebSocket control
// endpoint. At most one connection is live at a time: a new Connect
// supersedes an open one, evicting its pending requests. There is no
// automatic reconnection; that stays an explicit operator action.
type Client struct {
	// RequestTimeout overrides DefaultRequestTimeout when > 0.
	RequestTimeout time.Duration
	// Dialer overrides websocket.DefaultDialer (tests point it at a local server).
	Dialer *websocket.Dialer
	// InitialSceneList, when set, receives the decoded body of the scene-list
	// request the client issues automatically after identification.
	InitialSceneList func(SceneListResponse)
	// OnStateChange, when set, is invoked after every state transition with
	// the terminal error, if any, that caused it.
	OnStateChange func(ConnState, error)

	log *eventlog.Log

	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	gen      int
	pending  map[string]*pendingRequest
	handlers map[string][]EventHandler
	lastErr  error

	writeMu sync.Mutex
}

// NewClient returns a disconnected client that records activity to log.
func NewClient(log *eventlog.Log) *Client {
	return &Client{
		log:      log,
		pending:  make(map[string]*pendingRequest),
		handlers: make(map[string][]EventHandler),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the terminal error of the most recent connection, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// PendingCount returns the number of outstanding requests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// On registers a handler for every event frame whose eventType matches.
// Handlers for a type run in registration order, on the read loop, so they
// observe frames strictly in arrival order.
func (c *Client) On(eventType string, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Connect opens a new transport to address and starts the handshake. An
// already-open connection is superseded: closed, with its pending requests
// rejected. Connect returns once the transport is open; handshake progress
// is observable via State and OnStateChange.
func (c *Client) Connect(ctx context.Context, address, password string) error {
	c.mu.Lock()
	c.supersedeLocked()
	c.gen++
	myGen := c.gen
	c.state = StateConnecting
	c.lastErr = nil
	c.mu.Unlock()

	c.notifyState(StateConnecting, nil)
	c.log.Appendf("connecting to %s", address)

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		terr := newError(KindTransport, fmt.Sprintf("dial %s", address), err)
		c.mu.Lock()
		if c.gen == myGen {
			c.failLocked(terr)
		}
		c.mu.Unlock()
		c.notifyState(StateDisconnected, terr)
		c.log.Appendf("connection failed: %v", err)
		return terr
	}

	c.mu.Lock()
	if c.gen != myGen {
		// A later Connect or Disconnect superseded this attempt while dialing.
		c.mu.Unlock()
		_ = conn.Close()
		return newError(KindConnectionClosed, "connect superseded", nil)
	}
	c.conn = conn
	c.mu.Unlock()

	telemetry.IncConnects()
	c.log.Append("transport open, awaiting server greeting")
	go c.readLoop(conn, myGen, password)
	return nil
}

// Disconnect tears down the current connection, rejecting all pending
// requests with a connection-closed error. Frames still in flight on the
// closed transport are discarded, not processed. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected && c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.gen++ // anything still in flight on the old transport is now stale
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.lastErr = nil
	evicted := c.takePendingLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.rejectAll(evicted, newError(KindConnectionClosed, "connection closed", nil))
	telemetry.IncDisconnects()
	telemetry.SetPendingRequests(0)
	c.log.Append("disconnected")
	c.notifyState(StateDisconnected, nil)
}

// Request sends a command frame and waits for the correlated response, a
// timeout, context cancellation, or connection teardown, whichever comes
// first. Each call allocates a fresh requestId; a requestId resolves at
// most once.
func (c *Client) Request(ctx context.Context, requestType string, data any) (json.RawMessage, error) {
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	c.mu.Lock()
	if c.state != StateIdentified || c.conn == nil {
		c.mu.Unlock()
		return nil, newError(KindConnectionClosed, fmt.Sprintf("cannot send %s: not identified", requestType), nil)
	}
	conn := c.conn
	id := uuid.New().String()
	for _, exists := c.pending[id]; exists; _, exists = c.pending[id] {
		id = uuid.New().String()
	}
	p := &pendingRequest{
		requestType: requestType,
		issuedAt:    time.Now(),
		ch:          make(chan requestResult, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, requestResult{err: newError(KindRequestTimeout,
			fmt.Sprintf("%s (request %s) timed out after %s", requestType, id, timeout), nil)})
		telemetry.IncRequestTimeouts()
		c.log.Appendf("request %s timed out (%s)", id, requestType)
	})
	c.pending[id] = p
	telemetry.SetPendingRequests(len(c.pending))
	c.mu.Unlock()

	if err := c.writeFrame(conn, OpRequest, requestPayload{RequestType: requestType, RequestID: id, RequestData: data}); err != nil {
		werr := newError(KindTransport, fmt.Sprintf("send %s", requestType), err)
		c.resolve(id, requestResult{err: werr})
	} else {
		c.log.Appendf("sent %s (request %s)", requestType, id)
	}

	var res requestResult
	telemetry.TimeFunc(telemetry.RequestDuration, func() {
		select {
		case res = <-p.ch:
		case <-ctx.Done():
			c.resolve(id, requestResult{err: ctx.Err()})
			// Drain whichever result won; the entry resolves exactly once.
			res = <-p.ch
		}
	})
	return res.data, res.err
}

// resolve removes the pending entry for id, if still present, and delivers
// res. Removal before delivery guarantees at-most-one resolution.
func (c *Client) resolve(id string, res requestResult) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		telemetry.SetPendingRequests(len(c.pending))
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.ch <- res
}

// readLoop processes frames from one transport strictly in arrival order.
// gen identifies the connection; once superseded, remaining frames are
// discarded rather than applied.
func (c *Client) readLoop(conn *websocket.Conn, gen int, password string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.transportClosed(gen, err)
			return
		}
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.handleFrame(conn, gen, password, data)
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, gen int, password string, data []byte) {
	telemetry.IncFramesReceived()
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.violation(fmt.Sprintf("undecodable frame: %v", err))
		return
	}
	if env.Op == nil {
		c.violation("frame missing opcode")
		return
	}
	switch *env.Op {
	case OpHello:
		c.handleHello(conn, gen, password, env.D)
	case OpIdentified:
		c.handleIdentified(gen, env.D)
	case OpRequestResponse:
		c.handleResponse(env.D)
	case OpEvent:
		c.handleEvent(env.D)
	default:
		// Forward compatibility: unknown opcodes are logged and ignored.
		c.log.Appendf("ignoring frame with unrecognized opcode %d", *env.Op)
	}
}

func (c *Client) handleHello(conn *websocket.Conn, gen int, password string, raw json.RawMessage) {
	var hello helloPayload
	if err := json.Unmarshal(raw, &hello); err != nil {
		c.violation(fmt.Sprintf("undecodable hello: %v", err))
		return
	}
	c.log.Appendf("hello from obs-websocket %s (rpc %d)", hello.OBSWebSocketVersion, hello.RPCVersion)

	rpc := hello.RPCVersion
	if rpc == 0 {
		rpc = 1
	}
	identify := identifyPayload{RPCVersion: rpc}
	if hello.Authentication != nil {
		identify.Authentication = authResponse(password, hello.Authentication.Salt, hello.Authentication.Challenge)
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateAwaitingIdentify
		}
		c.mu.Unlock()
		c.notifyState(StateAwaitingIdentify, nil)
		c.log.Append("authentication required, answering challenge")
	}
	if err := c.writeFrame(conn, OpIdentify, identify); err != nil {
		c.log.Appendf("failed to send identify: %v", err)
		return
	}
	c.log.Append("sent identify")
}

func (c *Client) handleIdentified(gen int, raw json.RawMessage) {
	c.mu.Lock()
	if c.gen != gen || c.state == StateIdentified {
		c.mu.Unlock()
		return
	}
	c.state = StateIdentified
	c.mu.Unlock()

	c.notifyState(StateIdentified, nil)
	var ident identifiedPayload
	if err := json.Unmarshal(raw, &ident); err != nil {
		c.log.Append("identified, session ready")
	} else {
		c.log.Appendf("identified, session ready (rpc %d)", ident.NegotiatedRPCVersion)
	}

	// Prime the scene mirror exactly once per connection. Runs off the read
	// loop so the response frame can be processed.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
		defer cancel()
		data, err := c.Request(ctx, RequestGetSceneList, nil)
		if err != nil {
			c.log.Appendf("initial scene list failed: %v", err)
			return
		}
		var list SceneListResponse
		if err := json.Unmarshal(data, &list); err != nil {
			c.violation(fmt.Sprintf("undecodable scene list: %v", err))
			return
		}
		if c.InitialSceneList != nil {
			c.InitialSceneList(list)
		}
	}()
}

func (c *Client) handleResponse(raw json.RawMessage) {
	var resp responsePayload
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.violation(fmt.Sprintf("undecodable response: %v", err))
		return
	}
	if resp.RequestID == "" {
		c.violation("response missing requestId")
		return
	}
	c.mu.Lock()
	_, known := c.pending[resp.RequestID]
	c.mu.Unlock()
	if !known {
		c.log.Appendf("response for unknown or already-resolved request %s discarded", resp.RequestID)
		return
	}
	res := requestResult{data: resp.ResponseData}
	if resp.RequestStatus != nil && !resp.RequestStatus.Result {
		res = requestResult{err: newError(KindRequestFailed,
			fmt.Sprintf("%s failed (code %d): %s", resp.RequestType, resp.RequestStatus.Code, resp.RequestStatus.Comment), nil)}
	}
	c.resolve(resp.RequestID, res)
	c.log.Appendf("response for %s (request %s)", resp.RequestType, resp.RequestID)
}

func (c *Client) handleEvent(raw json.RawMessage) {
	var ev eventPayload
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.violation(fmt.Sprintf("undecodable event: %v", err))
		return
	}
	if ev.EventType == "" {
		c.violation("event missing eventType")
		return
	}
	c.log.Appendf("event %s", ev.EventType)
	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.handlers[ev.EventType]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

// transportClosed handles a read error on the given connection generation.
// Closure while awaiting the identify acknowledgement is reported as an
// authentication failure; any other closure is a transport error.
func (c *Client) transportClosed(gen int, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// Explicit disconnect or a superseding connect already tore down
		// this connection; nothing to report.
		c.mu.Unlock()
		return
	}
	kind := KindTransport
	msg := "connection lost"
	if c.state == StateAwaitingIdentify {
		kind = KindAuthentication
		msg = "authentication rejected"
	}
	terr := newError(kind, msg, err)
	c.failLocked(terr)
	evicted := c.takePendingLocked()
	c.mu.Unlock()

	c.rejectAll(evicted, terr)
	telemetry.SetPendingRequests(0)
	c.log.Appendf("%s: %v", msg, err)
	slog.Warn("obs connection closed", slog.String("kind", kind.String()), slog.Any("err", err))
	c.notifyState(StateDisconnected, terr)
}

// failLocked transitions to Disconnected recording err. Caller holds mu.
func (c *Client) failLocked(err *Error) {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.state = StateDisconnected
	c.lastErr = err
}

// supersedeLocked tears down an existing connection ahead of a new connect
// attempt. Caller holds mu.
func (c *Client) supersedeLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	evicted := c.takePendingLocked()
	go c.rejectAll(evicted, newError(KindConnectionClosed, "superseded by new connection", nil))
	c.log.Append("superseding open connection")
}

// takePendingLocked empties the pending table, returning the entries for
// rejection outside the lock. Caller holds mu.
func (c *Client) takePendingLocked() []*pendingRequest {
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	c.pending = make(map[string]*pendingRequest)
	return out
}

func (c *Client) rejectAll(pending []*pendingRequest, err *Error) {
	for _, p := range pending {
		p.timer.Stop()
		p.ch <- requestResult{err: err}
	}
}

func (c *Client) violation(msg string) {
	telemetry.IncProtocolViolations()
	c.log.Appendf("protocol violation: %s", msg)
	slog.Debug("protocol violation", slog.String("detail", msg))
}

func (c *Client) notifyState(s ConnState, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(s, err)
	}
	telemetry.SetConnectionState(int(s))
}

func (c *Client) writeFrame(conn *websocket.Conn, op int, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Op: &op, D: body})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	telemetry.IncFramesSent()
	return nil
}
