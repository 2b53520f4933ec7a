package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"busproxy/proxy"
)

// WatchID identifies a proxy registered with a Router.
type WatchID uint64

type watch struct {
	id    WatchID
	proxy *proxy.Proxy
	rule  MatchRule
}

// owner tracks the unique name currently holding a watched well-known name.
type owner struct {
	unique string
	refs   int
}

// Router decides which proxies a received signal is meant for and offers it
// to them in the order they were watched, stopping at the first that
// handles it.
type Router struct {
	t       Transport
	log     logrus.FieldLogger
	metrics *Metrics

	mu      sync.Mutex
	watches []*watch
	owners  map[string]*owner
	nextID  WatchID
}

// NewRouter returns a router installing its match rules through t. A nil log
// falls back to the standard logger and nil metrics to unregistered ones.
func NewRouter(t Transport, log logrus.FieldLogger, metrics *Metrics) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Router{
		t:       t,
		log:     log,
		metrics: metrics,
		owners:  make(map[string]*owner),
	}
}

// Watch routes signals emitted by the proxy's remote object to it. iface
// narrows the match to one interface; "" accepts all of them.
func (r *Router) Watch(p *proxy.Proxy, iface string) (WatchID, error) {
	if p == nil {
		return 0, fmt.Errorf("router: nil proxy: %w", proxy.ErrInvalidArgument)
	}
	name, path := p.Name(), p.Path()
	if name == "" {
		return 0, fmt.Errorf("router: watch: %w", proxy.ErrUseAfterDestroy)
	}

	rule := MatchRule{Sender: name, Path: path, Interface: iface}
	if err := r.t.AddMatch(rule.String()); err != nil {
		return 0, fmt.Errorf("AddMatch: %w", err)
	}
	if !isUniqueName(name) && name != busName {
		if err := r.trackOwner(name); err != nil {
			_ = r.t.RemoveMatch(rule.String())
			return 0, err
		}
	}

	r.mu.Lock()
	r.nextID++
	w := &watch{id: r.nextID, proxy: p, rule: rule}
	r.watches = append(r.watches, w)
	r.mu.Unlock()

	r.metrics.WatchesActive.Inc()
	r.log.WithFields(logrus.Fields{"name": name, "path": string(path), "interface": iface}).Debug("watching proxy")
	return w.id, nil
}

// Unwatch stops routing to the watch and removes its match rule. It reports
// whether the watch existed.
func (r *Router) Unwatch(id WatchID) bool {
	r.mu.Lock()
	var w *watch
	for i, cand := range r.watches {
		if cand.id == id {
			w = cand
			next := make([]*watch, 0, len(r.watches)-1)
			next = append(next, r.watches[:i]...)
			next = append(next, r.watches[i+1:]...)
			r.watches = next
			break
		}
	}
	r.mu.Unlock()
	if w == nil {
		return false
	}

	r.metrics.WatchesActive.Dec()
	if err := r.t.RemoveMatch(w.rule.String()); err != nil {
		r.log.WithError(err).Warn("RemoveMatch failed")
	}
	if !isUniqueName(w.rule.Sender) && w.rule.Sender != busName {
		r.untrackOwner(w.rule.Sender)
	}
	return true
}

// Len returns the number of active watches.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

func (r *Router) trackOwner(name string) error {
	r.mu.Lock()
	if o, ok := r.owners[name]; ok {
		o.refs++
		r.mu.Unlock()
		return nil
	}
	o := &owner{refs: 1}
	r.owners[name] = o
	r.mu.Unlock()

	if err := r.t.AddMatch(ownerChangedRule(name).String()); err != nil {
		r.mu.Lock()
		delete(r.owners, name)
		r.mu.Unlock()
		return fmt.Errorf("AddMatch: %w", err)
	}

	unique, err := r.t.NameOwner(name)
	if err != nil {
		// not owned yet; NameOwnerChanged fills it in
		r.log.WithField("name", name).WithError(err).Debug("name has no owner")
		return nil
	}
	r.mu.Lock()
	if o.unique == "" {
		o.unique = unique
	}
	r.mu.Unlock()
	return nil
}

func (r *Router) untrackOwner(name string) {
	r.mu.Lock()
	o, ok := r.owners[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	o.refs--
	last := o.refs == 0
	if last {
		delete(r.owners, name)
	}
	r.mu.Unlock()

	if last {
		if err := r.t.RemoveMatch(ownerChangedRule(name).String()); err != nil {
			r.log.WithError(err).Warn("RemoveMatch failed")
		}
	}
}

// Owner returns the unique name currently owning the well-known name, if known.
func (r *Router) Owner(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.owners[name]; ok {
		return o.unique
	}
	return ""
}

// Dispatch offers sig to each matching proxy until one handles it. Proxies
// that have been destroyed are unwatched; handler errors are logged and the
// search continues.
func (r *Router) Dispatch(sig *dbus.Signal) proxy.DispatchResult {
	if sig == nil {
		return proxy.NotHandled
	}
	if name, newOwner, ok := ownerChange(sig); ok {
		r.mu.Lock()
		if o, tracked := r.owners[name]; tracked {
			o.unique = newOwner
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	var targets []*watch
	for _, w := range r.watches {
		var ownerName string
		if o, ok := r.owners[w.rule.Sender]; ok {
			ownerName = o.unique
		}
		if w.rule.Matches(sig, ownerName) {
			targets = append(targets, w)
		}
	}
	r.mu.Unlock()

	for _, w := range targets {
		res, err := w.proxy.HandleSignal(sig)
		if w.proxy.Destroyed() {
			// the error may wrap another proxy's state; ask this one
			r.Unwatch(w.id)
			if err == nil && res == proxy.Handled {
				r.metrics.SignalsDispatched.WithLabelValues(proxy.Handled.String()).Inc()
				return proxy.Handled
			}
			continue
		}
		if err != nil {
			r.metrics.ObserverErrors.Inc()
			r.log.WithFields(logrus.Fields{
				"name":   w.rule.Sender,
				"path":   string(w.rule.Path),
				"member": sig.Name,
			}).WithError(err).Warn("signal handler failed")
			continue
		}
		if res == proxy.Handled {
			r.metrics.SignalsDispatched.WithLabelValues(proxy.Handled.String()).Inc()
			return proxy.Handled
		}
	}
	r.metrics.SignalsDispatched.WithLabelValues(proxy.NotHandled.String()).Inc()
	return proxy.NotHandled
}

// Run dispatches signals from ch until ctx is done or ch is closed.
func (r *Router) Run(ctx context.Context, ch <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			r.Dispatch(sig)
		}
	}
}
