package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"busproxy/bus"
)

type stubTransport struct {
	mu    sync.Mutex
	chans []chan<- *dbus.Signal
}

func (s *stubTransport) Signal(ch chan<- *dbus.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chans = append(s.chans, ch)
}

func (s *stubTransport) RemoveSignal(chan<- *dbus.Signal) {}
func (s *stubTransport) AddMatch(string) error            { return nil }
func (s *stubTransport) RemoveMatch(string) error         { return nil }
func (s *stubTransport) NameOwner(name string) (string, error) {
	return ":1.20", nil
}
func (s *stubTransport) Close() error { return nil }

func (s *stubTransport) emit(sig *dbus.Signal) {
	s.mu.Lock()
	chans := append([]chan<- *dbus.Signal(nil), s.chans...)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- sig
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMonitorPrintsSignals(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := logrus.New()
	log.SetOutput(io.Discard)

	st := &stubTransport{}
	conn := bus.NewConn(st, bus.WithLogger(log))
	defer conn.Close()

	out := &syncBuffer{}
	mon := NewMonitor(conn, log, out)
	if err := mon.Watch(WatchConfig{Name: "org.freedesktop.IBus", Path: "/org/freedesktop/IBus", Consume: true}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.Run(ctx)
	}()

	st.emit(&dbus.Signal{
		Sender: ":1.20",
		Path:   "/org/freedesktop/IBus",
		Name:   "org.freedesktop.IBus.GlobalEngineChanged",
		Body:   []interface{}{"xkb:us::eng"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "GlobalEngineChanged") {
		if time.Now().After(deadline) {
			t.Fatalf("signal not printed; output %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "xkb:us::eng") {
		t.Fatalf("signal body missing from %q", out.String())
	}

	cancel()
	<-done
	mon.Stop()
}

func TestMonitorWatchRejectsEmptyPath(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	conn := bus.NewConn(&stubTransport{}, bus.WithLogger(log))
	defer conn.Close()

	mon := NewMonitor(conn, log, io.Discard)
	if err := mon.Watch(WatchConfig{Name: "org.freedesktop.IBus"}); err == nil {
		t.Fatalf("Watch accepted empty path")
	}
}

func TestMonitorStopRemovesWatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := logrus.New()
	log.SetOutput(io.Discard)

	conn := bus.NewConn(&stubTransport{}, bus.WithLogger(log))
	defer conn.Close()

	mon := NewMonitor(conn, log, io.Discard)
	for _, w := range []WatchConfig{
		{Name: ":1.20", Path: "/org/example/A"},
		{Name: "org.freedesktop.IBus", Path: "/org/freedesktop/IBus"},
	} {
		if err := mon.Watch(w); err != nil {
			t.Fatalf("Watch(%+v): %v", w, err)
		}
	}
	if n := conn.Router().Len(); n != 2 {
		t.Fatalf("router watches = %d, want 2", n)
	}

	mon.Stop()
	if n := conn.Router().Len(); n != 0 {
		t.Fatalf("router watches = %d after Stop, want 0", n)
	}
	if conn.Router().Owner("org.freedesktop.IBus") != "" {
		t.Fatalf("owner still tracked after Stop")
	}
}
