package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nodelink/internal/codec"
	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/settings"
	"github.com/nextlevelbuilder/nodelink/internal/transport"
	"github.com/nextlevelbuilder/nodelink/internal/trust"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

// fakeNode serves pairing, session and websocket endpoints. Only the
// current session id is accepted.
type fakeNode struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu          sync.Mutex
	session     string
	issued      int
	refreshes   int
	handshakes  int
	rejectCalls bool
}

func (f *fakeNode) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeNode) invalidate() {
	f.mu.Lock()
	f.session = "revoked"
	f.mu.Unlock()
}

func (f *fakeNode) counts() (refreshes, handshakes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes, f.handshakes
}

func (f *fakeNode) newSession() string {
	f.issued++
	f.session = fmt.Sprintf("s%d", f.issued)
	return f.session
}

func (f *fakeNode) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+protocol.APIBasePath+protocol.PathPairing, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		sid := f.newSession()
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"version": 1, "clientId": "cid", "clientSecret": "csecret",
			"sessionId": sid, "sessionExpiryDate": time.Now().Add(time.Hour).UnixMilli(),
		})
	})
	mux.HandleFunc("POST "+protocol.APIBasePath+protocol.PathSession, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.refreshes++
		sid := f.newSession()
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"sessionId": sid, "expiresAt": time.Now().Add(time.Hour).UnixMilli()})
	})
	mux.HandleFunc(protocol.PathWebSocket, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.handshakes++
		ok := r.Header.Get(protocol.HeaderSessionID) == f.session
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.t.Errorf("upgrade: %v", err)
			return
		}
		go f.serve(ws)
	})
	return mux
}

func (f *fakeNode) serve(ws *websocket.Conn) {
	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.RestAPIRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.TypeRestAPIRequest {
			continue
		}
		f.mu.Lock()
		status := http.StatusOK
		if f.rejectCalls || req.Headers[protocol.HeaderSessionID] != f.session {
			status = http.StatusUnauthorized
		}
		f.mu.Unlock()
		ws.WriteJSON(protocol.RestAPIResponse{
			Type:       protocol.TypeRestAPIResponse,
			RequestID:  req.RequestID,
			StatusCode: status,
			Body:       req.Method + " " + req.Path,
		})
	}
}

// pairedClient starts a TLS node and pairs a fresh client with it.
func pairedClient(t *testing.T) (*Client, *fakeNode, *settings.MemoryStore) {
	t.Helper()
	node := &fakeNode{t: t}
	srv := httptest.NewTLSServer(node.handler())
	t.Cleanup(srv.Close)

	qr, err := codec.EncodeQRString(codec.PairingQRCode{
		Version:        codec.QRCodeVersion,
		PairingCode:    codec.PairingCode{Version: codec.PairingCodeVersion, ID: "code-1"},
		WebSocketURL:   "wss://" + srv.Listener.Addr().String(),
		TLSFingerprint: trust.Fingerprint(srv.Certificate().Raw),
	})
	if err != nil {
		t.Fatal(err)
	}

	store := settings.NewMemoryStore(settings.SensitiveSettings{})
	c := New(store, Options{RequestTimeout: 2 * time.Second})
	t.Cleanup(c.Close)
	if _, err := c.Pair(context.Background(), qr, "phone"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	return c, node, store
}

func TestPairConnectCall(t *testing.T) {
	c, _, store := pairedClient(t)
	ctx := context.Background()

	s, _ := store.Load(ctx)
	if !s.Paired() || s.SessionID != "s1" {
		t.Fatalf("settings after pairing: %+v", s.Redacted())
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != transport.Connected {
		t.Fatalf("state = %v", c.State())
	}
	resp, err := c.Call(ctx, "get", "/status", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Body != "GET /status" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCall_RefreshesSessionOnce(t *testing.T) {
	c, node, store := pairedClient(t)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	node.invalidate()
	if _, err := c.Call(ctx, "GET", "/status", nil); err != nil {
		t.Fatalf("Call after session revoke: %v", err)
	}
	if refreshes, _ := node.counts(); refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
	s, _ := store.Load(ctx)
	if s.SessionID != node.current() {
		t.Errorf("stored session %q, node has %q", s.SessionID, node.current())
	}
}

func TestCall_RepeatedAuthFailureRequiresRepairing(t *testing.T) {
	c, node, _ := pairedClient(t)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	node.mu.Lock()
	node.rejectCalls = true
	node.mu.Unlock()

	_, err := c.Call(ctx, "GET", "/status", nil)
	if !errors.Is(err, &nodeerr.Error{Kind: nodeerr.KindAuth, Reason: nodeerr.ReasonRepairingRequired}) {
		t.Fatalf("err = %v, want repairing_required", err)
	}
	if refreshes, _ := node.counts(); refreshes != 1 {
		t.Errorf("refreshes = %d, want exactly 1", refreshes)
	}
}

func TestConnect_HandshakeRejectionRefreshesOnce(t *testing.T) {
	c, node, _ := pairedClient(t)
	node.invalidate()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	refreshes, handshakes := node.counts()
	if refreshes != 1 || handshakes != 2 {
		t.Errorf("refreshes=%d handshakes=%d, want 1 and 2", refreshes, handshakes)
	}
}

func TestConnect_RefreshesExpiredSession(t *testing.T) {
	c, node, store := pairedClient(t)
	ctx := context.Background()
	store.Update(ctx, func(s *settings.SensitiveSettings) error {
		s.SessionExpiry = time.Now().Add(-time.Minute)
		return nil
	})

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	refreshes, handshakes := node.counts()
	if refreshes != 1 || handshakes != 1 {
		t.Errorf("refreshes=%d handshakes=%d, want 1 and 1", refreshes, handshakes)
	}
}

func TestConnect_NotPaired(t *testing.T) {
	c := New(settings.NewMemoryStore(settings.SensitiveSettings{}), Options{})
	err := c.Connect(context.Background())
	if nodeerr.ReasonOf(err) != nodeerr.ReasonRepairingRequired {
		t.Fatalf("err = %v", err)
	}
	if _, err := c.Call(context.Background(), "GET", "/x", nil); nodeerr.KindOf(err) != nodeerr.KindAuth {
		t.Fatalf("Call err = %v", err)
	}
}

func TestPair_BadQR(t *testing.T) {
	c := New(settings.NewMemoryStore(settings.SensitiveSettings{}), Options{})
	_, err := c.Pair(context.Background(), "not base64 !!", "phone")
	if nodeerr.KindOf(err) != nodeerr.KindFormat {
		t.Fatalf("err = %v, want FormatError", err)
	}
}

func TestReset(t *testing.T) {
	c, _, store := pairedClient(t)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.State() != transport.Disconnected {
		t.Errorf("state = %v", c.State())
	}
	s, _ := store.Load(ctx)
	if s.Paired() {
		t.Error("settings survived reset")
	}
	if err := c.Connect(ctx); nodeerr.ReasonOf(err) != nodeerr.ReasonRepairingRequired {
		t.Errorf("Connect after reset: %v", err)
	}
}
