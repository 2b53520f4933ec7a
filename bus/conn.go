package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"busproxy/proxy"
)

const signalBuffer = 64

// Conn is a reference-counted bus connection. Its creator holds the first
// reference and every proxy bound to it holds another; the transport is
// closed when the last one is released.
type Conn struct {
	t       Transport
	log     logrus.FieldLogger
	router  *Router
	signals chan *dbus.Signal

	refs      atomic.Int32
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type options struct {
	log logrus.FieldLogger
	reg prometheus.Registerer
}

type Option func(*options)

// WithLogger sets the logger for the connection, its router and the proxies
// it creates.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithRegisterer registers the router metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

var _ proxy.Connection = (*Conn)(nil)

// NewConn wraps t and starts routing its signals.
func NewConn(t Transport, opts ...Option) *Conn {
	o := options{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		t:       t,
		log:     o.log,
		router:  NewRouter(t, o.log, NewMetrics(o.reg)),
		signals: make(chan *dbus.Signal, signalBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.refs.Store(1)

	t.Signal(c.signals)
	go func() {
		defer close(c.done)
		c.router.Run(ctx, c.signals)
	}()
	return c
}

// Ref takes a reference and reports whether it did. A connection that has
// shut down, or a nil *Conn, refuses.
func (c *Conn) Ref() bool {
	if c == nil {
		return false
	}
	for {
		n := c.refs.Load()
		if n <= 0 {
			c.log.Warn("dbus: Ref on closed connection")
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref drops a reference; the last one shuts the connection down.
func (c *Conn) Unref() {
	if c == nil {
		return
	}
	for {
		n := c.refs.Load()
		if n <= 0 {
			return
		}
		if c.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				c.shutdown()
			}
			return
		}
	}
}

// Close releases the creator's reference. The transport stays open while
// proxies still hold the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(c.Unref)
	return nil
}

// Alive reports whether the connection still has references.
func (c *Conn) Alive() bool {
	return c.refs.Load() > 0
}

// Done is closed once the signal pump has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Router returns the router fed by this connection.
func (c *Conn) Router() *Router {
	return c.router
}

// NewProxy creates a proxy for the remote object and starts routing its
// signals to it. Destroying the proxy ends the watch on the next signal, or
// immediately through Unwatch.
func (c *Conn) NewProxy(name string, path dbus.ObjectPath, iface string) (*proxy.Proxy, WatchID, error) {
	p, err := proxy.New(name, path, c, proxy.WithLogger(c.log))
	if err != nil {
		return nil, 0, err
	}
	id, err := c.router.Watch(p, iface)
	if err != nil {
		p.Destroy()
		return nil, 0, fmt.Errorf("watch %s%s: %w", name, path, err)
	}
	return p, id, nil
}

func (c *Conn) shutdown() {
	c.cancel()
	c.t.RemoveSignal(c.signals)
	if err := c.t.Close(); err != nil {
		c.log.WithError(err).Warn("dbus: close failed")
	}
	c.log.Debug("dbus: connection closed")
}
