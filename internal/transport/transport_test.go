package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nodelink/internal/auth"
	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/trust"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

var testCreds = auth.Credentials{ClientID: "cid", ClientSecret: "secret", SessionID: "sid"}

// nodeConn is the server side of one test connection.
type nodeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (n *nodeConn) send(t *testing.T, v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ws.WriteJSON(v); err != nil {
		t.Logf("node write: %v", err)
	}
}

// fakeNode is a websocket node whose behaviour is set per test.
type fakeNode struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu           sync.Mutex
	reject       int
	dropOnOpen   bool
	handshakes   []http.Header
	conns        []*nodeConn
	subRequests  []protocol.SubscriptionRequest
	onRequest    func(n *nodeConn, req protocol.RestAPIRequest)
	onSubscribe  func(n *nodeConn, req protocol.SubscriptionRequest)
	unsubscribed chan protocol.UnsubscribeRequest
}

func newFakeNode(t *testing.T) *fakeNode {
	return &fakeNode{t: t, unsubscribed: make(chan protocol.UnsubscribeRequest, 4)}
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.handshakes = append(f.handshakes, r.Header.Clone())
	reject := f.reject
	drop := f.dropOnOpen
	f.mu.Unlock()
	if reject != 0 {
		w.WriteHeader(reject)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	if drop {
		ws.Close()
		return
	}
	n := &nodeConn{ws: ws}
	f.mu.Lock()
	f.conns = append(f.conns, n)
	f.mu.Unlock()

	go func() {
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			typ, _ := protocol.ParseMessageType(data)
			switch typ {
			case protocol.TypeRestAPIRequest:
				var req protocol.RestAPIRequest
				json.Unmarshal(data, &req)
				f.mu.Lock()
				h := f.onRequest
				f.mu.Unlock()
				if h != nil {
					go h(n, req)
				}
			case protocol.TypeSubscriptionRequest:
				var req protocol.SubscriptionRequest
				json.Unmarshal(data, &req)
				f.mu.Lock()
				f.subRequests = append(f.subRequests, req)
				h := f.onSubscribe
				f.mu.Unlock()
				if h != nil {
					h(n, req)
				} else {
					n.send(f.t, protocol.SubscriptionResponse{Type: protocol.TypeSubscriptionResponse, RequestID: req.RequestID})
				}
			case protocol.TypeUnsubscribeRequest:
				var req protocol.UnsubscribeRequest
				json.Unmarshal(data, &req)
				f.unsubscribed <- req
			}
		}
	}()
}

func (f *fakeNode) lastConn() *nodeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func (f *fakeNode) handshakeHeaders() []http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]http.Header(nil), f.handshakes...)
}

func (f *fakeNode) subscriptions() []protocol.SubscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.SubscriptionRequest(nil), f.subRequests...)
}

func echo(n *nodeConn, req protocol.RestAPIRequest, t *testing.T) {
	n.send(t, protocol.RestAPIResponse{
		Type:       protocol.TypeRestAPIResponse,
		RequestID:  req.RequestID,
		StatusCode: 200,
		Body:       req.Method + " " + req.Path,
	})
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.PathWebSocket
}

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{URL: wsURL(srv), Credentials: testCreds, RequestTimeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnect_SignsHandshake(t *testing.T) {
	node := newFakeNode(t)
	srv := httptest.NewServer(node)
	defer srv.Close()

	var mu sync.Mutex
	var transitions []string
	c := newTestClient(t, srv, nil)
	unregister := c.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	})
	defer unregister()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != Connected {
		t.Fatalf("state = %v", c.State())
	}

	h := node.handshakeHeaders()[0]
	want := auth.Sign("secret", h.Get(protocol.HeaderNonce), h.Get(protocol.HeaderTimestamp), "GET", protocol.PathWebSocket, auth.BodyHash(nil))
	if h.Get(protocol.HeaderSignature) != want {
		t.Error("handshake signature does not verify")
	}
	if h.Get(protocol.HeaderClientID) != "cid" || h.Get(protocol.HeaderSessionID) != "sid" {
		t.Error("identity headers missing")
	}

	mu.Lock()
	got := strings.Join(transitions, ",")
	mu.Unlock()
	if got != "disconnected->connecting,connecting->connected" {
		t.Errorf("transitions = %s", got)
	}
}

func TestConnect_HandshakeRejected(t *testing.T) {
	for _, tt := range []struct {
		status int
		reason string
	}{
		{http.StatusUnauthorized, nodeerr.ReasonSessionExpired},
		{http.StatusForbidden, nodeerr.ReasonAccessDenied},
	} {
		node := newFakeNode(t)
		node.reject = tt.status
		srv := httptest.NewServer(node)

		c := newTestClient(t, srv, nil)
		err := c.Connect(context.Background())
		if !errors.Is(err, nodeerr.ErrAuth) || nodeerr.ReasonOf(err) != tt.reason {
			t.Errorf("status %d: err = %v", tt.status, err)
		}
		if c.State() != Disconnected {
			t.Errorf("state = %v, want disconnected", c.State())
		}
		srv.Close()
	}
}

func TestConnect_TrustFailureStaysDisconnected(t *testing.T) {
	node := newFakeNode(t)
	srv := httptest.NewTLSServer(node)
	defer srv.Close()

	v, err := trust.NewVerifier(srv.Listener.Addr().String(), trust.Fingerprint([]byte("someone else")))
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Config{
		URL:         "wss" + strings.TrimPrefix(srv.URL, "https") + protocol.PathWebSocket,
		Credentials: testCreds,
		TLSConfig:   v.TLSConfig(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Connect(context.Background())
	if !errors.Is(err, &nodeerr.Error{Kind: nodeerr.KindTrust, Reason: nodeerr.ReasonFingerprintMismatch}) {
		t.Fatalf("err = %v, want fingerprint mismatch", err)
	}
	if c.State() != Disconnected {
		t.Errorf("state = %v", c.State())
	}
	if len(node.handshakeHeaders()) != 0 {
		t.Error("upgrade request reached an untrusted node")
	}
}

func TestConnect_PinnedTLS(t *testing.T) {
	node := newFakeNode(t)
	node.onRequest = func(n *nodeConn, req protocol.RestAPIRequest) { echo(n, req, t) }
	srv := httptest.NewTLSServer(node)
	defer srv.Close()

	v, err := trust.NewVerifier(srv.Listener.Addr().String(), trust.Fingerprint(srv.Certificate().Raw))
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Config{
		URL:         "wss" + strings.TrimPrefix(srv.URL, "https") + protocol.PathWebSocket,
		Credentials: testCreds,
		TLSConfig:   v.TLSConfig(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	resp, err := c.Call(context.Background(), "get", "/api/v1/settings", nil)
	if err != nil || resp.Body != "GET /api/v1/settings" {
		t.Fatalf("Call = %+v, %v", resp, err)
	}
}

func TestNew_WSSWithoutPinIsRejected(t *testing.T) {
	_, err := New(Config{URL: "wss://node.example:8090/websocket"})
	if !errors.Is(err, nodeerr.ErrTrust) {
		t.Fatalf("err = %v, want TrustError", err)
	}
}

func TestCall_CorrelatesConcurrentResponses(t *testing.T) {
	node := newFakeNode(t)
	node.onRequest = func(n *nodeConn, req protocol.RestAPIRequest) {
		want := auth.Sign("secret", req.Headers[protocol.HeaderNonce], req.Headers[protocol.HeaderTimestamp],
			req.Method, auth.NormalizePath(req.Path), auth.BodyHash([]byte(req.Body)))
		if req.Headers[protocol.HeaderSignature] != want {
			t.Errorf("request %s: signature does not verify", req.Path)
		}
		// answer in scrambled order
		time.Sleep(time.Duration(len(req.Path)%5) * 5 * time.Millisecond)
		echo(n, req, t)
	}
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/api/v1/offers/%d%s", i, strings.Repeat("x", i))
			resp, err := c.Call(context.Background(), "POST", path, []byte(`{"n":1}`))
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			if resp.Body != "POST "+path {
				t.Errorf("call %d got response for %q", i, resp.Body)
			}
		}(i)
	}
	wg.Wait()
}

func TestCall_TimeoutFailsOnlyThatRequest(t *testing.T) {
	node := newFakeNode(t)
	slowIDs := make(chan string, 1)
	node.onRequest = func(n *nodeConn, req protocol.RestAPIRequest) {
		if req.Path == "/slow" {
			slowIDs <- req.RequestID
			return
		}
		echo(n, req, t)
	}
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *Config) { cfg.RequestTimeout = 200 * time.Millisecond })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := c.Call(context.Background(), "GET", "/slow", nil)
	if !errors.Is(err, nodeerr.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}

	// A late answer to the timed-out request is dropped quietly.
	node.lastConn().send(t, protocol.RestAPIResponse{Type: protocol.TypeRestAPIResponse, RequestID: <-slowIDs, StatusCode: 200})

	resp, err := c.Call(context.Background(), "GET", "/fast", nil)
	if err != nil || resp.Body != "GET /fast" {
		t.Fatalf("follow-up call = %+v, %v", resp, err)
	}
	if c.State() != Connected {
		t.Errorf("state = %v after timeout", c.State())
	}
}

func TestCall_PendingFailOnDisconnect(t *testing.T) {
	node := newFakeNode(t)
	node.onRequest = func(n *nodeConn, req protocol.RestAPIRequest) {
		n.ws.Close()
	}
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *Config) { cfg.RequestTimeout = 10 * time.Second })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := c.Call(context.Background(), "GET", "/hang", nil)
	if !errors.Is(err, nodeerr.ErrConnectionLost) {
		t.Fatalf("err = %v, want connection_lost", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("pending request waited for its timeout instead of failing on disconnect")
	}
	eventually(t, "disconnected state", func() bool { return c.State() == Disconnected })
}

func TestCall_AuthStatuses(t *testing.T) {
	node := newFakeNode(t)
	node.onRequest = func(n *nodeConn, req protocol.RestAPIRequest) {
		status := 200
		switch req.Path {
		case "/401":
			status = 401
		case "/403":
			status = 403
		case "/404":
			status = 404
		}
		n.send(t, protocol.RestAPIResponse{Type: protocol.TypeRestAPIResponse, RequestID: req.RequestID, StatusCode: status})
	}
	srv := httptest.NewServer(node)
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Call(context.Background(), "GET", "/401", nil); nodeerr.ReasonOf(err) != nodeerr.ReasonSessionExpired {
		t.Errorf("401: err = %v", err)
	}
	if _, err := c.Call(context.Background(), "GET", "/403", nil); nodeerr.ReasonOf(err) != nodeerr.ReasonAccessDenied {
		t.Errorf("403: err = %v", err)
	}
	resp, err := c.Call(context.Background(), "GET", "/404", nil)
	if err != nil || resp.StatusCode != 404 || resp.OK() {
		t.Errorf("404: resp = %+v, err = %v", resp, err)
	}
}

func TestCall_NotConnected(t *testing.T) {
	srv := httptest.NewServer(newFakeNode(t))
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	_, err := c.Call(context.Background(), "GET", "/x", nil)
	if !errors.Is(err, nodeerr.ErrNotConnected) {
		t.Fatalf("err = %v, want not_connected", err)
	}
}

func TestHandleMessage_UnmatchedResponseDropped(t *testing.T) {
	node := newFakeNode(t)
	node.onRequest = func(n *nodeConn, req protocol.RestAPIRequest) {
		n.send(t, protocol.RestAPIResponse{Type: protocol.TypeRestAPIResponse, RequestID: "nobody", StatusCode: 200, Body: "stray"})
		n.send(t, map[string]string{"type": "SomethingElse"})
		echo(n, req, t)
	}
	srv := httptest.NewServer(node)
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp, err := c.Call(context.Background(), "GET", "/a", nil)
	if err != nil || resp.Body != "GET /a" {
		t.Fatalf("Call = %+v, %v", resp, err)
	}
}

func TestConnect_ImmediateDropReportsConnectedFirst(t *testing.T) {
	node := newFakeNode(t)
	node.dropOnOpen = true
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	var mu sync.Mutex
	var seen []string
	c.OnStateChange(func(from, to State) {
		if to == Connected {
			// Give the read loop time to notice the dropped connection.
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, from.String()+">"+to.String())
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "disconnect", func() bool { return c.State() == Disconnected })

	want := []string{"disconnected>connecting", "connecting>connected", "connected>disconnected"}
	eventually(t, "three transitions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}
