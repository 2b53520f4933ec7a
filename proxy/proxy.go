// Package proxy models a remote object on the bus: a service name, an object
// path and the connection used to reach it, plus the hook that hands incoming
// signals to registered observers.
package proxy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidArgument reports a missing name, path, connection, handler
	// or signal.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUseAfterDestroy is returned by operations on a destroyed proxy.
	ErrUseAfterDestroy = errors.New("proxy destroyed")
)

// Connection is the transport a proxy is bound to. The proxy retains it for
// its whole lifetime and releases it on Destroy; it never looks inside.
// Ref reports whether the reference was taken; a connection that has already
// shut down refuses it.
type Connection interface {
	Ref() bool
	Unref()
}

// DispatchResult tells the router whether to keep looking for a handler.
type DispatchResult int

const (
	NotHandled DispatchResult = iota
	Handled
)

func (r DispatchResult) String() string {
	switch r {
	case Handled:
		return "handled"
	case NotHandled:
		return "not_handled"
	}
	return fmt.Sprintf("DispatchResult(%d)", int(r))
}

// SignalHandler reports whether it consumed sig. A non-nil error aborts the
// dispatch and is returned to the caller of HandleSignal.
type SignalHandler func(p *Proxy, sig *dbus.Signal) (bool, error)

// HandlerID identifies a registered SignalHandler.
type HandlerID uint64

type state int

const (
	stateLive state = iota + 1
	stateDestroyed
)

type handlerEntry struct {
	id HandlerID
	fn SignalHandler
}

// Proxy is the local stand-in for one remote object. It is safe for
// concurrent use.
type Proxy struct {
	name string
	path dbus.ObjectPath
	conn Connection
	log  logrus.FieldLogger

	mu       sync.Mutex
	state    state
	handlers []handlerEntry
	nextID   HandlerID
	inflight int
	released chan struct{}
}

// Option configures a Proxy at construction.
type Option func(*Proxy)

// WithLogger sets the logger used for lifecycle tracing.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Proxy) { p.log = l }
}

// New returns a live proxy for the object at path owned by name. It takes a
// reference on conn that is dropped by Destroy. A connection that refuses the
// reference fails like a nil one.
func New(name string, path dbus.ObjectPath, conn Connection, opts ...Option) (*Proxy, error) {
	if name == "" {
		return nil, fmt.Errorf("proxy: empty name: %w", ErrInvalidArgument)
	}
	if path == "" {
		return nil, fmt.Errorf("proxy: empty path: %w", ErrInvalidArgument)
	}
	if conn == nil {
		return nil, fmt.Errorf("proxy: nil connection: %w", ErrInvalidArgument)
	}

	p := &Proxy{
		name:     name,
		path:     path,
		conn:     conn,
		log:      logrus.StandardLogger(),
		released: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithFields(logrus.Fields{"name": name, "path": string(path)})

	if !conn.Ref() {
		return nil, fmt.Errorf("proxy: connection closed: %w", ErrInvalidArgument)
	}
	p.state = stateLive
	p.log.Debug("proxy created")
	return p, nil
}

// Name returns the service name, or "" once the proxy is destroyed.
func (p *Proxy) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Path returns the object path, or "" once the proxy is destroyed.
func (p *Proxy) Path() dbus.ObjectPath {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

// Connection returns the bound connection, or nil once it has been released.
func (p *Proxy) Connection() Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// AddSignalHandler appends h to the observers consulted by HandleSignal.
// Handlers run in registration order.
func (p *Proxy) AddSignalHandler(h SignalHandler) (HandlerID, error) {
	if h == nil {
		return 0, fmt.Errorf("proxy: nil handler: %w", ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateLive {
		return 0, ErrUseAfterDestroy
	}
	p.nextID++
	p.handlers = append(p.handlers, handlerEntry{id: p.nextID, fn: h})
	return p.nextID, nil
}

// RemoveSignalHandler unregisters the handler with the given id. It reports
// whether the handler was found. A dispatch already running still sees it.
func (p *Proxy) RemoveSignalHandler(id HandlerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, h := range p.handlers {
		if h.id == id {
			// copy so snapshots held by running dispatches stay intact
			next := make([]handlerEntry, 0, len(p.handlers)-1)
			next = append(next, p.handlers[:i]...)
			next = append(next, p.handlers[i+1:]...)
			p.handlers = next
			return true
		}
	}
	return false
}

// HandleSignal offers sig to every registered handler in order and stops at
// the first one that consumes it. With no handlers the result is NotHandled.
func (p *Proxy) HandleSignal(sig *dbus.Signal) (DispatchResult, error) {
	if sig == nil {
		return NotHandled, fmt.Errorf("proxy: nil signal: %w", ErrInvalidArgument)
	}

	p.mu.Lock()
	if p.state != stateLive {
		p.mu.Unlock()
		return NotHandled, ErrUseAfterDestroy
	}
	handlers := p.handlers
	p.inflight++
	p.mu.Unlock()

	defer p.dispatchDone()

	for _, h := range handlers {
		handled, err := h.fn(p, sig)
		if err != nil {
			return NotHandled, fmt.Errorf("proxy: signal handler %d: %w", h.id, err)
		}
		if handled {
			return Handled, nil
		}
	}
	return NotHandled, nil
}

func (p *Proxy) dispatchDone() {
	p.mu.Lock()
	p.inflight--
	release := p.state == stateDestroyed && p.inflight == 0
	p.mu.Unlock()
	if release {
		p.release()
	}
}

// Destroy marks the proxy dead and drops its connection reference. Dispatches
// already running finish first; the last of them performs the release. Calling
// Destroy again is a no-op.
func (p *Proxy) Destroy() {
	p.mu.Lock()
	if p.state != stateLive {
		p.mu.Unlock()
		return
	}
	p.state = stateDestroyed
	p.handlers = nil
	release := p.inflight == 0
	p.mu.Unlock()

	if release {
		p.release()
	}
}

// Destroyed reports whether Destroy has been called.
func (p *Proxy) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateDestroyed
}

// Released is closed once the connection reference has been dropped.
func (p *Proxy) Released() <-chan struct{} {
	return p.released
}

func (p *Proxy) release() {
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.name = ""
	p.path = ""
	p.mu.Unlock()

	conn.Unref()
	close(p.released)
	p.log.Debug("proxy destroyed")
}
