package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"swarmsim/config"
	"swarmsim/latency"
	"swarmsim/metrics"
	"swarmsim/protocol"
	"swarmsim/session"
	"swarmsim/simclient"

	"github.com/coder/websocket"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.HTTPPort = 0
	cfg.GroupSize = 3
	cfg.ClientNumber = 3
	cfg.SimulationCycles = 2
	cfg.ConnTimeout = config.Duration{Duration: 2 * time.Second}
	return cfg
}

// startServer binds and serves until the test ends.
func startServer(t *testing.T, cfg *config.Config, deps Deps) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := New(cfg, deps)
	if err := srv.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server exited with %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func runSession(ctx context.Context, cfg *config.Config, conns <-chan net.Conn) (chan *latency.Summary, chan error) {
	out := make(chan *latency.Summary, 1)
	errc := make(chan error, 1)
	go func() {
		s, err := session.New(cfg, session.Deps{}).Run(ctx, conns)
		out <- s
		errc <- err
	}()
	return out, errc
}

func TestTCPSimulation(t *testing.T) {
	cfg := testConfig()
	srv := startServer(t, cfg, Deps{Metrics: metrics.New()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summaries, errc := runSession(ctx, cfg, srv.Conns())

	stats, err := simclient.Swarm(ctx, srv.Addr().String(), 3, simclient.Options{ControlFrames: true, Latency: 42})
	if err != nil {
		t.Fatalf("swarm: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("session: %v", err)
	}
	summary := <-summaries
	if summary.Average != 42 {
		t.Errorf("expected average 42, got %d", summary.Average)
	}
	for i, st := range stats {
		if st.Broadcasts != 6 {
			t.Errorf("client %d: expected 6 broadcasts, got %d", i, st.Broadcasts)
		}
		if st.Init.ID != int32(i) {
			t.Errorf("client %d: expected identity %d, got %d", i, i, st.Init.ID)
		}
	}
}

func TestRunFullRejects(t *testing.T) {
	cfg := testConfig()
	cfg.ClientNumber = 1
	srv := startServer(t, cfg, Deps{})

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	// wait until the first one is queued
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.conns) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF on rejected connection, got %v", err)
	}
}

func TestLateArrivalRejectedDuringRun(t *testing.T) {
	cfg := testConfig()
	cfg.GroupSize = 1
	cfg.ClientNumber = 1
	cfg.SimulationCycles = 1
	srv := startServer(t, cfg, Deps{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, errc := runSession(ctx, cfg, srv.Conns())

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadFrame(first); err != nil {
		t.Fatalf("first client should get its init frame: %v", err)
	}

	// the session has drained the queue and is mid-run
	late, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := late.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF on late arrival, got %v (queued=%d)", err, len(srv.conns))
	}
	if n := srv.Admitted(); n != 1 {
		t.Errorf("expected 1 admitted, got %d", n)
	}

	// let the run end; the first client never answered
	first.Close()
	<-errc
}

func TestQueuedClosedOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.ClientNumber = 2
	ctx, cancel := context.WithCancel(context.Background())
	srv := New(cfg, Deps{})
	if err := srv.Listen(ctx); err != nil {
		cancel()
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.conns) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server exited with %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("expected unclaimed connection to be closed, got %v", err)
	}
}

func TestAcceptRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ClientNumber = 10
	cfg.AcceptRatePerSec = 1
	cfg.AcceptBurst = 1
	srv := startServer(t, cfg, Deps{})

	a, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := b.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("expected second connection to be closed, got %v", err)
	}
	select {
	case <-srv.Conns():
	case <-time.After(2 * time.Second):
		t.Error("first connection should have been admitted")
	}
}

func TestEchoMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeEcho
	srv := startServer(t, cfg, Deps{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	for _, msg := range []string{"hello", "second message"} {
		if _, err := conn.Write([]byte(msg)); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, len(msg))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatal(err)
		}
		if string(buf) != msg {
			t.Errorf("expected %q back, got %q", msg, buf)
		}
	}
}

func TestEchoChunksLongInput(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeEcho
	srv := startServer(t, cfg, Deps{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	msg := bytes.Repeat([]byte("x"), 3*EchoBufferSize+7)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Error("echoed bytes differ")
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestWebSocketSimulation(t *testing.T) {
	cfg := testConfig()
	cfg.GroupSize = 1
	cfg.ClientNumber = 1
	srv := New(cfg, Deps{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summaries, errc := runSession(ctx, cfg, srv.Conns())

	ws, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	st, err := simclient.Run(ctx, websocket.NetConn(ctx, ws, websocket.MessageBinary),
		simclient.Options{ControlFrames: true, Latency: 17})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("session: %v", err)
	}
	if s := <-summaries; s.Average != 17 {
		t.Errorf("expected average 17, got %d", s.Average)
	}
	if st.Broadcasts != 2 {
		t.Errorf("expected 2 broadcasts, got %d", st.Broadcasts)
	}
}

func TestWebSocketEcho(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeEcho
	srv := New(cfg, Deps{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()

	if err := ws.Write(ctx, websocket.MessageBinary, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ping" {
		t.Errorf("expected ping, got %q", data)
	}
}

func TestHealthAndStats(t *testing.T) {
	cfg := testConfig()
	srv := New(cfg, Deps{
		Metrics: metrics.New(),
		Status:  func() interface{} { return map[string]string{"phase": "accepting"} },
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" || health["mode"] != config.ModeSim {
		t.Errorf("unexpected health: %v", health)
	}

	resp, err = http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if stats["group_size"] != float64(3) {
		t.Errorf("unexpected group_size: %v", stats["group_size"])
	}
	sess, ok := stats["session"].(map[string]interface{})
	if !ok || sess["phase"] != "accepting" {
		t.Errorf("unexpected session block: %v", stats["session"])
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "swarmsim_") {
		t.Errorf("metrics endpoint not serving swarmsim series")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, true},
		{net.ErrClosed, true},
		{io.EOF, true},
		{errors.New("write: broken pipe"), true},
		{errors.New("boom"), false},
	}
	for _, c := range cases {
		if got := isExpectedCloseError(c.err); got != c.want {
			t.Errorf("isExpectedCloseError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
