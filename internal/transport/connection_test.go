package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"odin-term/internal/audit"
	"odin-term/internal/authority"
	"odin-term/internal/config"
	"odin-term/internal/identity"
	"odin-term/internal/multiplexer/memtmux"
	"odin-term/internal/session"
	"odin-term/internal/wire"
)

// testRig wires a Server against an in-memory multiplexer and drives one
// connection over a net.Pipe() instead of a real TCP listener, so the
// handshake and frame exchange run against the actual gobwas/ws codec
// without binding a socket.
type testRig struct {
	srv      *Server
	mux      *memtmux.Adapter
	resolver *identity.StaticResolver
	client   net.Conn
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	return newTestRigWithTransport(t, nil)
}

// newTestRigWithTransport behaves like newTestRig but lets the caller tweak
// the transport config (write deadlines, keepalive intervals) before the
// Server is constructed, which the close-code tests below need in order to
// force a write timeout or a missed-pong disconnect deterministically.
func newTestRigWithTransport(t *testing.T, mutate func(*config.TransportConfig)) *testRig {
	t.Helper()
	mux := memtmux.New()
	resolver := identity.NewStaticResolver()
	resolver.Register("alice-token", &session.Principal{UserID: "alice", DisplayName: "Alice", Role: authority.RoleOperator})
	resolver.Register("viewer-token", &session.Principal{UserID: "viewer1", DisplayName: "Viewer", Role: authority.RoleViewer})

	sessCfg := session.DefaultConfig()
	sessCfg.HeartbeatPeriod = 50 * time.Millisecond
	registry := session.NewSessionRegistry(mux, sessCfg, nil, audit.NoopSink{}, zap.NewNop())

	transportCfg := config.TransportConfig{
		Path:               "/ws",
		HandshakeTimeout:   2 * time.Second,
		WriteDeadline:      2 * time.Second,
		PingInterval:       0, // disable keepalive pings in tests
		PongMissedLimit:    2,
		OutboundQueueSize:  64,
		RateLimitPerSecond: 1000,
		RateLimitBurst:     1000,
		MaxFrameBytes:      1 << 20,
	}
	if mutate != nil {
		mutate(&transportCfg)
	}
	srvCfg := config.ServerConfig{Host: "127.0.0.1", Port: 0}

	srv := NewServer(srvCfg, transportCfg, sessCfg, zap.NewNop(), registry, resolver, nil)

	return &testRig{srv: srv, mux: mux, resolver: resolver}
}

// dial upgrades one half of a net.Pipe() as a client and hands the other
// half to a freshly-spawned connection goroutine, returning the client's
// end of the pipe.
func (r *testRig) dial(t *testing.T, token string) net.Conn {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	go newConnection(r.srv, serverSide).serve(context.Background())

	u, err := url.Parse("ws://test.invalid/ws?token=" + token)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if _, _, err := (ws.Dialer{}).Upgrade(clientSide, u); err != nil {
		t.Fatalf("client upgrade: %v", err)
	}
	return clientSide
}

func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) *wire.ServerFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read server frame: %v", err)
	}
	frame := &wire.ServerFrame{}
	if err := json.Unmarshal(data, frame); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return frame
}

func readFrameOfType(t *testing.T, conn net.Conn, want string, attempts int) *wire.ServerFrame {
	t.Helper()
	for i := 0; i < attempts; i++ {
		f := readFrame(t, conn, time.Second)
		if f.Type == want {
			return f
		}
	}
	t.Fatalf("did not see frame type %q within %d frames", want, attempts)
	return nil
}

// readCloseFrame reads frames off conn until it sees a WebSocket close frame
// (skipping any data frames that arrive first, since a close is often
// preceded by an ERROR frame carrying the human-readable reason) and returns
// its status code, per the close-code contract in the wire protocol.
func readCloseFrame(t *testing.T, conn net.Conn, attempts int) uint16 {
	t.Helper()
	for i := 0; i < attempts; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			if closeErr, ok := err.(wsutil.ClosedError); ok {
				return uint16(closeErr.Code)
			}
			t.Fatalf("read server frame: %v", err)
		}
		if op == ws.OpClose {
			if len(data) < 2 {
				t.Fatalf("close frame body too short: %d bytes", len(data))
			}
			return binary.BigEndian.Uint16(data[:2])
		}
	}
	t.Fatalf("did not see a close frame within %d frames", attempts)
	return 0
}

func writeClientFrame(t *testing.T, conn net.Conn, cf wire.ClientFrame) {
	t.Helper()
	data, err := json.Marshal(cf)
	if err != nil {
		t.Fatalf("marshal client frame: %v", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("write client frame: %v", err)
	}
}

func TestConnectionHandshakeSendsConnectedFrame(t *testing.T) {
	rig := newTestRig(t)
	client := rig.dial(t, "alice-token")
	defer client.Close()

	frame := readFrame(t, client, time.Second)
	if frame.Type != wire.TypeConnected || frame.UserID != "alice" {
		t.Fatalf("connected frame = %+v, want userId=alice", frame)
	}
}

func TestConnectionUnknownTokenIsUnauthorized(t *testing.T) {
	rig := newTestRig(t)
	client := rig.dial(t, "nonexistent-token")
	defer client.Close()

	frame := readFrame(t, client, time.Second)
	if frame.Type != wire.TypeError || frame.Code != wire.ErrUnauthorized {
		t.Fatalf("frame = %+v, want an UNAUTHORIZED error", frame)
	}

	code := readCloseFrame(t, client, 1)
	if code != uint16(ws.StatusPolicyViolation) {
		t.Fatalf("close code = %d, want %d (policy violation)", code, ws.StatusPolicyViolation)
	}
}

// TestConnectionBadFrameClosesWithProtocolError exercises the "respond then
// close" contract for malformed client input: the server must answer with an
// ERROR/BAD_FRAME frame and then close the socket with status 1003, instead
// of leaving the connection open and waiting on the peer.
func TestConnectionBadFrameClosesWithProtocolError(t *testing.T) {
	rig := newTestRig(t)
	client := rig.dial(t, "alice-token")
	defer client.Close()

	readFrameOfType(t, client, wire.TypeConnected, 1)

	if err := wsutil.WriteClientMessage(client, ws.OpText, []byte("not valid json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	errFrame := readFrameOfType(t, client, wire.TypeError, 2)
	if errFrame.Code != wire.ErrBadFrame {
		t.Fatalf("Code = %q, want %q", errFrame.Code, wire.ErrBadFrame)
	}

	code := readCloseFrame(t, client, 1)
	if code != uint16(ws.StatusUnsupportedData) {
		t.Fatalf("close code = %d, want %d (bad frame)", code, ws.StatusUnsupportedData)
	}
}

// TestConnectionUnknownFrameTypeClosesWithProtocolError covers the other
// BAD_FRAME path: a structurally valid frame the server does not recognize.
func TestConnectionUnknownFrameTypeClosesWithProtocolError(t *testing.T) {
	rig := newTestRig(t)
	client := rig.dial(t, "alice-token")
	defer client.Close()

	readFrameOfType(t, client, wire.TypeConnected, 1)
	writeClientFrame(t, client, wire.ClientFrame{Type: "bogusType"})

	errFrame := readFrameOfType(t, client, wire.TypeError, 2)
	if errFrame.Code != wire.ErrBadFrame {
		t.Fatalf("Code = %q, want %q", errFrame.Code, wire.ErrBadFrame)
	}

	code := readCloseFrame(t, client, 1)
	if code != uint16(ws.StatusUnsupportedData) {
		t.Fatalf("close code = %d, want %d (bad frame)", code, ws.StatusUnsupportedData)
	}
}

// TestConnectionMissedPongsDisconnectWithInternalError drives the keepalive
// watchdog directly: the client never answers a ping, so once
// PongMissedLimit is exceeded the server must close with 1011 and tear the
// socket down rather than leaking the reader goroutine.
func TestConnectionMissedPongsDisconnectWithInternalError(t *testing.T) {
	rig := newTestRigWithTransport(t, func(cfg *config.TransportConfig) {
		cfg.PingInterval = 20 * time.Millisecond
		cfg.PongMissedLimit = 2
		cfg.WriteDeadline = time.Second
	})
	client := rig.dial(t, "alice-token")
	defer client.Close()

	readFrameOfType(t, client, wire.TypeConnected, 1)

	// Drain frames without ever sending a pong in reply to the server's
	// pings; wsutil.ReadServerData (and so readCloseFrame) answers Ping
	// control frames on the transport level automatically, so to genuinely
	// miss pongs the test reads raw frames with ws.ReadFrame, which leaves
	// pings unanswered, until the close frame arrives.
	var code uint16
	for i := 0; i < 8 && code == 0; i++ {
		_ = client.SetReadDeadline(time.Now().Add(time.Second))
		f, err := ws.ReadFrame(client)
		if err != nil {
			t.Fatalf("read server frame: %v", err)
		}
		if f.Header.OpCode == ws.OpClose {
			if len(f.Payload) < 2 {
				t.Fatalf("close frame body too short: %d bytes", len(f.Payload))
			}
			code = binary.BigEndian.Uint16(f.Payload[:2])
		}
	}
	if code != uint16(ws.StatusInternalServerError) {
		t.Fatalf("close code = %d, want %d (internal error / missed pong)", code, ws.StatusInternalServerError)
	}
}

// TestConnectionWriteTimeoutDisconnectsWithInternalError forces writeLoop to
// block past WriteDeadline by never draining the client side of the pipe,
// and checks the server closes with 1011 and unblocks readLoop instead of
// leaving the connection half-open forever.
func TestConnectionWriteTimeoutDisconnectsWithInternalError(t *testing.T) {
	rig := newTestRigWithTransport(t, func(cfg *config.TransportConfig) {
		cfg.WriteDeadline = 50 * time.Millisecond
		cfg.OutboundQueueSize = 1
	})
	rig.mux.CreateSession("stalled")
	client := rig.dial(t, "alice-token")
	defer client.Close()

	readFrameOfType(t, client, wire.TypeConnected, 1)
	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypeSubscribe, SessionName: "stalled"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 64; i++ {
			rig.mux.Emit("stalled", []byte("filler output to overflow the outbound queue\n"))
		}
	}()
	wg.Wait()

	// Never read from client again so the server's writes to the pipe
	// block until WriteDeadline fires.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		data, op, err := wsutil.ReadServerData(client)
		if err != nil {
			if closeErr, ok := err.(wsutil.ClosedError); ok {
				if uint16(closeErr.Code) != uint16(ws.StatusInternalServerError) {
					t.Fatalf("close code = %d, want %d (write timeout)", closeErr.Code, ws.StatusInternalServerError)
				}
				return
			}
			continue
		}
		if op == ws.OpClose {
			if len(data) < 2 {
				t.Fatalf("close frame body too short: %d bytes", len(data))
			}
			if got := binary.BigEndian.Uint16(data[:2]); got != uint16(ws.StatusInternalServerError) {
				t.Fatalf("close code = %d, want %d (write timeout)", got, ws.StatusInternalServerError)
			}
			return
		}
	}
	t.Fatalf("server never closed the connection after a write timeout")
}

func TestConnectionSubscribeAndReceiveOutput(t *testing.T) {
	rig := newTestRig(t)
	rig.mux.CreateSession("work")
	client := rig.dial(t, "alice-token")
	defer client.Close()

	readFrameOfType(t, client, wire.TypeConnected, 1)

	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypeSubscribe, SessionName: "work"})
	readFrameOfType(t, client, wire.TypePresence, 3)

	rig.mux.Emit("work", []byte("hi there\n"))
	out := readFrameOfType(t, client, wire.TypeOutput, 3)
	if out.Data != "hi there\n" {
		t.Fatalf("output data = %q, want %q", out.Data, "hi there\n")
	}
}

func TestConnectionSendKeysRequiresClaim(t *testing.T) {
	rig := newTestRig(t)
	rig.mux.CreateSession("work2")
	client := rig.dial(t, "alice-token")
	defer client.Close()

	readFrameOfType(t, client, wire.TypeConnected, 1)
	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypeSubscribe, SessionName: "work2"})
	readFrameOfType(t, client, wire.TypePresence, 3)

	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypeSendKeys, SessionName: "work2", Keys: "ls\n"})
	rejection := readFrameOfType(t, client, wire.TypeError, 3)
	if rejection.Code != wire.ErrNotHolder {
		t.Fatalf("Code = %q, want %q", rejection.Code, wire.ErrNotHolder)
	}
}

func TestConnectionClaimThenSendKeysWrites(t *testing.T) {
	rig := newTestRig(t)
	rig.mux.CreateSession("work3")
	client := rig.dial(t, "alice-token")
	defer client.Close()

	readFrameOfType(t, client, wire.TypeConnected, 1)
	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypeSubscribe, SessionName: "work3"})
	readFrameOfType(t, client, wire.TypePresence, 3)

	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypeClaim, SessionName: "work3"})
	readFrameOfType(t, client, wire.TypeClaimed, 3)

	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypeSendKeys, SessionName: "work3", Keys: "ls\n"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if writes := rig.mux.Writes("work3"); len(writes) == 1 && string(writes[0]) == "ls\n" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("multiplexer never observed the claimed holder's sendKeys write")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectionViewerCannotClaim(t *testing.T) {
	rig := newTestRig(t)
	rig.mux.CreateSession("work4")
	client := rig.dial(t, "viewer-token")
	defer client.Close()

	readFrameOfType(t, client, wire.TypeConnected, 1)
	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypeSubscribe, SessionName: "work4"})
	readFrameOfType(t, client, wire.TypePresence, 3)

	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypeClaim, SessionName: "work4"})
	rejection := readFrameOfType(t, client, wire.TypeError, 3)
	if rejection.Code != wire.ErrForbidden {
		t.Fatalf("Code = %q, want %q", rejection.Code, wire.ErrForbidden)
	}
}

func TestConnectionPingPong(t *testing.T) {
	rig := newTestRig(t)
	client := rig.dial(t, "alice-token")
	defer client.Close()

	readFrameOfType(t, client, wire.TypeConnected, 1)
	writeClientFrame(t, client, wire.ClientFrame{Type: wire.TypePing, Nonce: "abc123"})
	pong := readFrameOfType(t, client, wire.TypePong, 3)
	if pong.Nonce != "abc123" {
		t.Fatalf("pong nonce = %q, want %q", pong.Nonce, "abc123")
	}
}
