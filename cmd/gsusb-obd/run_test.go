package main

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

	"github.com/kstaniek/gsusb-obd/internal/can"
	"github.com/kstaniek/gsusb-obd/internal/gsusb"
	"github.com/kstaniek/gsusb-obd/internal/hub"
	"github.com/kstaniek/gsusb-obd/internal/logging"
	"github.com/kstaniek/gsusb-obd/internal/server"
	"github.com/kstaniek/gsusb-obd/internal/socketcan"
)

func TestRunOBD_PublishesReadings(t *testing.T) {
	a := newFakeAdapter()
	useAdapter(t, a)
	cfg := baseConfig()
	cfg.pids = []byte{0x0C, 0x0D}
	cfg.pollInterval = 10 * time.Millisecond

	sess, info, err := openSession(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(sess, logging.Discard())

	h := hub.New()
	cl := hub.NewClient(16)
	if err := h.Add(cl); err != nil {
		t.Fatal(err)
	}
	srv := server.NewServer(server.WithHub(h))
	srv.SetDevice(info)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runOBD(ctx, cfg, sess, h, srv, logging.Discard()) }()

	seen := map[string]float64{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case msg := <-cl.Out:
			var m server.ReadingMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				t.Fatalf("decode %s: %v", msg, err)
			}
			if m.Type != server.TypeReading {
				t.Fatalf("type %s", m.Type)
			}
			seen[m.Name] = m.Value
		case <-deadline:
			t.Fatalf("timed out, got %v", seen)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runOBD: %v", err)
	}
	if seen["engine_rpm"] != 1726 || seen["vehicle_speed"] != 50 {
		t.Fatalf("readings %v", seen)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pids", nil))
	var pr server.PIDsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pr); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(pr.Supported) != "[0x0C 0x0D]" || fmt.Sprint(pr.Polled) != "[0x0C 0x0D]" {
		t.Fatalf("pids %+v", pr)
	}
}

func TestRunOBD_UnknownPIDKeepsRunning(t *testing.T) {
	a := newFakeAdapter()
	delete(a.ecu, 0x0D)
	useAdapter(t, a)
	cfg := baseConfig()
	cfg.pids = []byte{0x0D, 0x0C}
	cfg.pollInterval = 5 * time.Millisecond
	cfg.timeout = 20 * time.Millisecond

	sess, _, err := openSession(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(sess, logging.Discard())
	h := hub.New()
	cl := hub.NewClient(4)
	_ = h.Add(cl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runOBD(ctx, cfg, sess, h, server.NewServer(), logging.Discard()) }()
	select {
	case <-cl.Out:
	case <-time.After(2 * time.Second):
		t.Fatal("no reading after a failed pid")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runOBD: %v", err)
	}
}

func TestRunOBD_RecoversFromStrayReply(t *testing.T) {
	a := newFakeAdapter()
	useAdapter(t, a)
	cfg := baseConfig()
	cfg.pids = []byte{0x0C, 0x0D}
	cfg.pollInterval = 5 * time.Millisecond

	sess, _, err := openSession(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(sess, logging.Discard())
	// a second ECU answers the supported-pids request too
	a.mu.Lock()
	a.strays = 1
	a.mu.Unlock()

	h := hub.New()
	cl := hub.NewClient(16)
	_ = h.Add(cl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runOBD(ctx, cfg, sess, h, server.NewServer(), logging.Discard()) }()

	seen := map[string]float64{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case msg := <-cl.Out:
			var m server.ReadingMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				t.Fatal(err)
			}
			seen[m.Name] = m.Value
		case <-deadline:
			t.Fatalf("readings did not recover after a stray reply, got %v", seen)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runOBD: %v", err)
	}
	if seen["engine_rpm"] != 1726 || seen["vehicle_speed"] != 50 {
		t.Fatalf("readings %v", seen)
	}
}

type scriptedSource struct {
	mu    sync.Mutex
	steps []func() (can.Frame, error)
	tail  error
}

func (s *scriptedSource) ReceiveFrame() (can.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return can.Frame{}, s.tail
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step()
}

type recordingSink struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
}

func (r *recordingSink) SendFrame(f can.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return r.err
}

func TestRunMonitor(t *testing.T) {
	frame := func(id uint32) func() (can.Frame, error) {
		return func() (can.Frame, error) {
			return can.Frame{CANID: id, Len: 2, Data: [8]byte{0xAB, 0xCD}}, nil
		}
	}
	fail := func(err error) func() (can.Frame, error) {
		return func() (can.Frame, error) { return can.Frame{}, err }
	}
	src := &scriptedSource{
		steps: []func() (can.Frame, error){
			frame(0x123),
			fail(gsusb.ErrTimeout),
			fail(gsusb.ErrMalformedFrame),
			frame(0x7E8),
		},
		tail: fmt.Errorf("%w: bulk in: no device", gsusb.ErrTransport),
	}
	h := hub.New()
	cl := hub.NewClient(8)
	_ = h.Add(cl)
	sink := &recordingSink{err: socketcan.ErrTxOverflow}

	err := runMonitor(context.Background(), src, h, sink, logging.Discard())
	if !errors.Is(err, gsusb.ErrTransport) {
		t.Fatalf("expected transport error after repeated failures, got %v", err)
	}
	if len(sink.frames) != 2 || sink.frames[1].CANID != 0x7E8 {
		t.Fatalf("mirror got %+v", sink.frames)
	}
	if len(cl.Out) != 2 {
		t.Fatalf("feed got %d messages", len(cl.Out))
	}
	var m server.FrameMessage
	if err := json.Unmarshal(<-cl.Out, &m); err != nil {
		t.Fatal(err)
	}
	if m.Type != server.TypeFrame || m.ID != 0x123 || m.Len != 2 {
		t.Fatalf("frame message %+v", m)
	}
}

func TestRunMonitor_StopsOnCancel(t *testing.T) {
	src := &scriptedSource{tail: gsusb.ErrTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := runMonitor(ctx, src, hub.New(), nil, logging.Discard()); err != nil {
		t.Fatalf("got %v", err)
	}
}
