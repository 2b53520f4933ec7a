package bus

import (
	"errors"
	"io"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

var errNoOwner = errors.New("org.freedesktop.DBus.Error.NameHasNoOwner")

// fakeTransport records match rules and lets tests push signals.
type fakeTransport struct {
	mu       sync.Mutex
	chans    []chan<- *dbus.Signal
	matches  map[string]int
	owners   map[string]string
	matchErr error
	closed   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		matches: make(map[string]int),
		owners:  make(map[string]string),
	}
}

var _ Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Signal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chans = append(f.chans, ch)
}

func (f *fakeTransport) RemoveSignal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.chans {
		if c == ch {
			f.chans = append(f.chans[:i], f.chans[i+1:]...)
			return
		}
	}
}

func (f *fakeTransport) AddMatch(rule string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchErr != nil {
		return f.matchErr
	}
	f.matches[rule]++
	return nil
}

func (f *fakeTransport) RemoveMatch(rule string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matches[rule] == 0 {
		return errors.New("org.freedesktop.DBus.Error.MatchRuleNotFound")
	}
	f.matches[rule]--
	if f.matches[rule] == 0 {
		delete(f.matches, rule)
	}
	return nil
}

func (f *fakeTransport) NameOwner(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.owners[name]; ok {
		return o, nil
	}
	return "", errNoOwner
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) emit(sig *dbus.Signal) {
	f.mu.Lock()
	chans := append([]chan<- *dbus.Signal(nil), f.chans...)
	f.mu.Unlock()
	for _, ch := range chans {
		ch <- sig
	}
}

func (f *fakeTransport) hasMatch(rule string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matches[rule] > 0
}

func (f *fakeTransport) matchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.matches)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
