package obsws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/castbridge/eventlog"
	"github.com/onnwee/castbridge/telemetry"
	"github.com/onnwee/castbridge/testutil"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func connect(t *testing.T, srv *testutil.MockOBS, password string) *Client {
	t.Helper()
	c := NewClient(eventlog.New(0))
	if err := c.Connect(context.Background(), srv.WSURL(), password); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestHandshakeWithoutAuth(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	c := connect(t, srv, "")
	waitFor(t, func() bool { return c.State() == StateIdentified })
	if c.LastError() != nil {
		t.Errorf("unexpected terminal error: %v", c.LastError())
	}
}

func TestHandshakeWithAuthIdentifiesOnceAndPrimesSceneList(t *testing.T) {
	srv := testutil.NewMockOBS(t, "hunter2")

	var sceneListRequests atomic.Int32
	srv.Handle("GetSceneList", func(string, json.RawMessage) (any, string) {
		sceneListRequests.Add(1)
		return map[string]any{
			"currentProgramSceneName": "Main",
			"scenes":                  []map[string]any{{"sceneName": "Main"}},
		}, ""
	})

	c := NewClient(eventlog.New(0))
	var identified atomic.Int32
	var initial atomic.Int32
	c.OnStateChange = func(s ConnState, err error) {
		if s == StateIdentified {
			identified.Add(1)
		}
	}
	c.InitialSceneList = func(list SceneListResponse) {
		if list.CurrentProgramSceneName == "Main" {
			initial.Add(1)
		}
	}
	if err := c.Connect(context.Background(), srv.WSURL(), "hunter2"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, func() bool { return initial.Load() == 1 })
	if got := identified.Load(); got != 1 {
		t.Errorf("identified %d times, want exactly 1", got)
	}
	if got := sceneListRequests.Load(); got != 1 {
		t.Errorf("issued %d initial GetSceneList requests, want exactly 1", got)
	}
}

func TestAuthenticationFailureIsTerminal(t *testing.T) {
	srv := testutil.NewMockOBS(t, "correct-password")
	c := NewClient(eventlog.New(0))
	if err := c.Connect(context.Background(), srv.WSURL(), "wrong-password"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, func() bool { return c.State() == StateDisconnected && c.LastError() != nil })
	if kind := KindOf(c.LastError()); kind != KindAuthentication {
		t.Errorf("error kind = %s, want authentication", kind)
	}
}

func TestConcurrentRequestsCorrelateIndependently(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	srv.Handle("Echo", func(id string, _ json.RawMessage) (any, string) {
		return map[string]any{"echoedId": id}, ""
	})
	c := connect(t, srv, "")
	waitFor(t, func() bool { return c.State() == StateIdentified })

	const n = 20
	var wg sync.WaitGroup
	seen := make(map[string]bool, n)
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.Request(context.Background(), "Echo", nil)
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			var body struct {
				EchoedID string `json:"echoedId"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				t.Errorf("decode response: %v", err)
				return
			}
			mu.Lock()
			if seen[body.EchoedID] {
				t.Errorf("requestId %s resolved twice", body.EchoedID)
			}
			seen[body.EchoedID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("expected %d distinct requestIds, got %d", n, len(seen))
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending table not drained: %d", c.PendingCount())
	}
}

func TestUnknownRequestIDDiscarded(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	c := connect(t, srv, "")
	waitFor(t, func() bool { return c.State() == StateIdentified })

	srv.SendFrame(7, map[string]any{"requestType": "Ghost", "requestId": "never-issued"})

	// The stray response changes nothing: the session stays usable and the
	// pending table is untouched.
	time.Sleep(50 * time.Millisecond)
	if c.State() != StateIdentified {
		t.Errorf("state changed to %s", c.State())
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending count = %d", c.PendingCount())
	}
	if _, err := c.Request(context.Background(), "GetSceneList", nil); err != nil {
		t.Errorf("session unusable after stray response: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	srv.Silence("StartStream")
	c := NewClient(eventlog.New(0))
	c.RequestTimeout = 100 * time.Millisecond
	if err := c.Connect(context.Background(), srv.WSURL(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitFor(t, func() bool { return c.State() == StateIdentified })

	_, err := c.Request(context.Background(), "StartStream", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind := KindOf(err); kind != KindRequestTimeout {
		t.Errorf("error kind = %s, want request_timeout", kind)
	}
	// Timeout evicts only the one request; the connection stays open.
	if c.State() != StateIdentified {
		t.Errorf("connection state = %s after timeout", c.State())
	}
	if c.PendingCount() != 0 {
		t.Errorf("timed-out entry still pending: %d", c.PendingCount())
	}
}

func TestRequestFailedCarriesTypedError(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	srv.Handle("SetCurrentProgramScene", func(string, json.RawMessage) (any, string) {
		return nil, "no scene with that name"
	})
	c := connect(t, srv, "")
	waitFor(t, func() bool { return c.State() == StateIdentified })

	_, err := c.Request(context.Background(), "SetCurrentProgramScene", map[string]any{"sceneName": "nope"})
	if err == nil {
		t.Fatal("expected typed error result")
	}
	if kind := KindOf(err); kind != KindRequestFailed {
		t.Errorf("error kind = %s, want request_failed", kind)
	}
}

func TestDisconnectRejectsPendingAndDiscardsLateResponses(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	srv.Silence("StopStream")
	c := connect(t, srv, "")
	waitFor(t, func() bool { return c.State() == StateIdentified })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "StopStream", nil)
		errCh <- err
	}()
	waitFor(t, func() bool { return c.PendingCount() == 1 })

	c.Disconnect()

	select {
	case err := <-errCh:
		if kind := KindOf(err); kind != KindConnectionClosed {
			t.Errorf("error kind = %s, want connection_closed", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected on disconnect")
	}

	// A response arriving for the old requestId after disconnect produces
	// no observable state change.
	srv.SendFrame(7, map[string]any{"requestType": "StopStream", "requestId": "stale"})
	time.Sleep(50 * time.Millisecond)
	if c.State() != StateDisconnected {
		t.Errorf("state = %s after late response", c.State())
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending count = %d after disconnect", c.PendingCount())
	}
}

func TestMalformedAndUnknownFramesAreNotFatal(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	c := connect(t, srv, "")
	waitFor(t, func() bool { return c.State() == StateIdentified })

	srv.SendRaw([]byte("{not json"))
	srv.SendFrame(42, map[string]any{"mystery": true})          // unrecognized opcode
	srv.SendRaw([]byte(`{"d":{"eventType":"NoOpcode"}}`))       // missing discriminator
	srv.SendFrame(0, map[string]any{"noEventType": "present"})  // event without type
	srv.SendFrame(7, map[string]any{"requestType": "NoReqner"}) // response without requestId

	time.Sleep(50 * time.Millisecond)
	if c.State() != StateIdentified {
		t.Fatalf("connection dropped by non-fatal frames: state %s", c.State())
	}
	if _, err := c.Request(context.Background(), "GetSceneList", nil); err != nil {
		t.Errorf("session unusable after malformed frames: %v", err)
	}
}

func TestEventHandlersRunInRegistrationOrder(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	c := NewClient(eventlog.New(0))

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	c.On(EventStreamStateChanged, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	c.On(EventStreamStateChanged, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		close(done)
	})

	if err := c.Connect(context.Background(), srv.WSURL(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()
	waitFor(t, func() bool { return c.State() == StateIdentified })

	srv.SendEvent(EventStreamStateChanged, map[string]any{"outputActive": true})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event handlers not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("handler order = %v", order)
	}
}

func TestTransportLossEvictsPending(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	srv.Silence("StartStream")
	c := connect(t, srv, "")
	waitFor(t, func() bool { return c.State() == StateIdentified })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "StartStream", nil)
		errCh <- err
	}()
	waitFor(t, func() bool { return c.PendingCount() == 1 })

	srv.CloseActive()

	select {
	case err := <-errCh:
		var cerr *Error
		if !errors.As(err, &cerr) || !cerr.Terminal() {
			t.Errorf("expected terminal transport error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not evicted on transport loss")
	}
	waitFor(t, func() bool { return c.State() == StateDisconnected })
	if kind := KindOf(c.LastError()); kind != KindTransport {
		t.Errorf("error kind = %s, want transport", kind)
	}
}

func TestConnectSupersedesOpenConnection(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	c := connect(t, srv, "")
	waitFor(t, func() bool { return c.State() == StateIdentified })

	// Back-to-back connect replaces, not coexists with, the open session.
	if err := c.Connect(context.Background(), srv.WSURL(), ""); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateIdentified })
	if _, err := c.Request(context.Background(), "GetSceneList", nil); err != nil {
		t.Errorf("superseding connection unusable: %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[ConnState]string{
		StateDisconnected:     "disconnected",
		StateConnecting:       "connecting",
		StateAwaitingIdentify: "awaiting_identify",
		StateIdentified:       "identified",
		ConnState(99):         "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestIdentifiedLogsNegotiatedVersion(t *testing.T) {
	srv := testutil.NewMockOBS(t, "")
	elog := eventlog.New(0)
	c := NewClient(elog)
	if err := c.Connect(context.Background(), srv.WSURL(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	waitFor(t, func() bool { return c.State() == StateIdentified })

	found := false
	for _, e := range elog.Snapshot() {
		if strings.Contains(e.Message, "identified") && strings.Contains(e.Message, "rpc 1") {
			found = true
		}
	}
	if !found {
		t.Error("session-ready log entry does not carry the negotiated rpc version")
	}
}

func TestRequestRoundTripObservedInHistogram(t *testing.T) {
	telemetry.Init()
	sampleCount := func() uint64 {
		t.Helper()
		m := &dto.Metric{}
		if err := telemetry.RequestDuration.(prometheus.Metric).Write(m); err != nil {
			t.Fatalf("read histogram: %v", err)
		}
		return m.GetHistogram().GetSampleCount()
	}

	srv := testutil.NewMockOBS(t, "")
	srv.Handle("Echo", func(string, json.RawMessage) (any, string) {
		return map[string]any{}, ""
	})
	c := connect(t, srv, "")
	waitFor(t, func() bool { return c.State() == StateIdentified })
	waitFor(t, func() bool { return c.PendingCount() == 0 })

	before := sampleCount()
	if _, err := c.Request(context.Background(), "Echo", nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	if after := sampleCount(); after < before+1 {
		t.Errorf("request duration histogram count = %d, want at least %d", after, before+1)
	}
}
