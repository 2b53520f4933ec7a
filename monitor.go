package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"busproxy/bus"
	"busproxy/proxy"
)

// Monitor prints the signals emitted by a set of remote objects.
type Monitor struct {
	conn *bus.Conn
	log  logrus.FieldLogger
	out  io.Writer

	eventCh chan string

	mu      sync.Mutex
	proxies []*proxy.Proxy
	watches []bus.WatchID
	dropped int
}

// NewMonitor returns a monitor creating its proxies on conn and printing
// their signals to out.
func NewMonitor(conn *bus.Conn, log logrus.FieldLogger, out io.Writer) *Monitor {
	return &Monitor{
		conn:    conn,
		log:     log,
		out:     out,
		eventCh: make(chan string, 64),
	}
}

// Watch creates a proxy for w and subscribes the monitor to its signals.
func (m *Monitor) Watch(w WatchConfig) error {
	p, id, err := m.conn.NewProxy(w.Name, dbus.ObjectPath(w.Path), w.Interface)
	if err != nil {
		return err
	}
	consume := w.Consume
	if _, err := p.AddSignalHandler(func(p *proxy.Proxy, sig *dbus.Signal) (bool, error) {
		m.publish(formatSignal(p, sig))
		return consume, nil
	}); err != nil {
		m.conn.Router().Unwatch(id)
		p.Destroy()
		return fmt.Errorf("subscribe %s%s: %w", w.Name, w.Path, err)
	}

	m.mu.Lock()
	m.proxies = append(m.proxies, p)
	m.watches = append(m.watches, id)
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{"name": w.Name, "path": w.Path, "interface": w.Interface}).Info("watching object")
	return nil
}

func (m *Monitor) publish(line string) {
	select {
	case m.eventCh <- line:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

// Run prints events until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-m.eventCh:
			fmt.Fprintln(m.out, line)
		}
	}
}

// Stop removes the monitor's watches and destroys every proxy it created.
func (m *Monitor) Stop() {
	m.mu.Lock()
	proxies, watches := m.proxies, m.watches
	m.proxies, m.watches = nil, nil
	dropped := m.dropped
	m.mu.Unlock()

	for _, id := range watches {
		m.conn.Router().Unwatch(id)
	}
	for _, p := range proxies {
		p.Destroy()
	}
	if dropped > 0 {
		m.log.WithField("dropped", dropped).Warn("events dropped: output too slow")
	}
}

func formatSignal(p *proxy.Proxy, sig *dbus.Signal) string {
	return fmt.Sprintf("%s %s%s %s %v", sig.Sender, p.Name(), sig.Path, sig.Name, sig.Body)
}
