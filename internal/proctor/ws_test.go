package proctor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/identity"
	"github.com/coder/websocket"
)

const testAnonID = "anon_0123456789abcdef0123456789abcdef"

type fakeSource struct {
	mu       sync.Mutex
	bus      *events.Bus
	monitor  *Monitor
	registry *Registry
	err      error
	owners   []string
}

func (f *fakeSource) ProctorMonitor(_ context.Context, owner string) (*Monitor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.owners = append(f.owners, owner)
	if len(f.owners) == 1 {
		f.bus.Subscribe(f.registry.Forward(owner))
	}
	return f.monitor, nil
}

func newSocketServer(t *testing.T, srcErr error) (*httptest.Server, *fakeSource) {
	t.Helper()
	bus := events.NewBus(nil)
	reg := NewRegistry(nil)
	src := &fakeSource{
		bus:      bus,
		monitor:  NewMonitor(bus, Config{WarningDuration: time.Hour}, 0, nil),
		registry: reg,
		err:      srcErr,
	}
	t.Cleanup(src.monitor.Stop)

	srv := httptest.NewServer(identity.Middleware(true)(NewHandler(src, reg, "*", true, nil)))
	t.Cleanup(srv.Close)
	return srv, src
}

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/proctor?session_id=tab-1"
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": {identity.AnonCookieName + "=" + testAnonID}},
	})
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write %s: %v", msg, err)
	}
}

func TestSocketRelaysViolations(t *testing.T) {
	t.Parallel()

	srv, src := newSocketServer(t, nil)
	conn, _, err := dial(t, srv)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if f := readFrame(t, conn); f.Type != FrameState || f.State == nil || f.State.Count != 0 {
		t.Fatalf("first frame = %+v", f)
	}
	if f := readFrame(t, conn); f.Type != FrameRequestFullscreen {
		t.Fatalf("second frame = %+v", f)
	}

	writeMessage(t, conn, `{"type":"fullscreen-entered"}`)
	writeMessage(t, conn, `{"type":"fullscreen-exit"}`)
	f := readFrame(t, conn)
	if f.Type != FrameViolation || f.Count != 1 || f.Level != string(LevelWarning) || f.Signal != string(SignalFullscreenExit) {
		t.Fatalf("violation frame = %+v", f)
	}

	writeMessage(t, conn, `{"type":"visibility","hidden":true}`)
	if f := readFrame(t, conn); f.Type != FrameViolation || f.Count != 2 {
		t.Fatalf("violation frame = %+v", f)
	}

	writeMessage(t, conn, `{"type":"ping"}`)
	if f := readFrame(t, conn); f.Type != FramePong {
		t.Fatalf("pong frame = %+v", f)
	}

	src.mu.Lock()
	owner := src.owners[0]
	src.mu.Unlock()
	if owner != testAnonID+":tab-1" {
		t.Fatalf("owner = %q", owner)
	}
}

func TestSocketRejectsWithoutSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no session", domain.ErrNoActiveSession, http.StatusNotFound},
		{"not proctored", ErrNotProctored, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newSocketServer(t, tt.err)
			_, resp, err := dial(t, srv)
			if err == nil {
				t.Fatal("dial succeeded")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Fatalf("response = %+v, want status %d", resp, tt.want)
			}
		})
	}
}

func TestSocketReplacedConnectionIsClosed(t *testing.T) {
	t.Parallel()

	srv, _ := newSocketServer(t, nil)
	first, _, err := dial(t, srv)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.CloseNow()
	readFrame(t, first)
	readFrame(t, first)

	second, _, err := dial(t, srv)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = first.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("first connection read err = %v, want normal closure", err)
	}
	if f := readFrame(t, second); f.Type != FrameState {
		t.Fatalf("second connection frame = %+v", f)
	}
}

func TestRegistrySendWithoutSocket(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	if err := reg.Send(context.Background(), "nobody", Frame{Type: FramePong}); err != nil {
		t.Fatalf("Send = %v", err)
	}
	if reg.Active("nobody") {
		t.Fatal("unexpected active socket")
	}
	reg.Terminate(context.Background(), "nobody", "limit")
}

func TestSensorMessageSignal(t *testing.T) {
	t.Parallel()

	hidden, visible := true, false
	tests := []struct {
		msg  sensorMessage
		want Signal
		ok   bool
	}{
		{sensorMessage{Type: "visibility", Hidden: &hidden}, SignalVisibilityHidden, true},
		{sensorMessage{Type: "visibilitychange", Hidden: &visible}, SignalVisibilityVisible, true},
		{sensorMessage{Type: "visibility"}, "", false},
		{sensorMessage{Type: "fullscreen-exit-detected"}, SignalFullscreenExitReported, true},
		{sensorMessage{Type: "fullscreen-denied"}, SignalFullscreenDenied, true},
		{sensorMessage{Type: "resize"}, "", false},
	}
	for _, tt := range tests {
		got, ok := tt.msg.signal()
		if got != tt.want || ok != tt.ok {
			t.Errorf("signal(%+v) = %q, %v; want %q, %v", tt.msg, got, ok, tt.want, tt.ok)
		}
	}
}
