// Package bus connects proxies to a D-Bus connection: it owns the transport,
// installs match rules and routes received signals to the proxies watching
// them.
package bus

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName  = "org.freedesktop.DBus"
	busPath  = dbus.ObjectPath("/org/freedesktop/DBus")
	busIface = "org.freedesktop.DBus"
)

// Transport is the part of a bus connection the router needs. *dbus.Conn is
// adapted to it by Dial and friends; tests supply their own.
type Transport interface {
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatch(rule string) error
	RemoveMatch(rule string) error
	NameOwner(name string) (string, error)
	Close() error
}

type godbusTransport struct {
	conn *dbus.Conn
}

func (t *godbusTransport) Signal(ch chan<- *dbus.Signal)       { t.conn.Signal(ch) }
func (t *godbusTransport) RemoveSignal(ch chan<- *dbus.Signal) { t.conn.RemoveSignal(ch) }
func (t *godbusTransport) Close() error                        { return t.conn.Close() }

func (t *godbusTransport) AddMatch(rule string) error {
	return t.conn.BusObject().Call(busIface+".AddMatch", 0, rule).Err
}

func (t *godbusTransport) RemoveMatch(rule string) error {
	return t.conn.BusObject().Call(busIface+".RemoveMatch", 0, rule).Err
}

func (t *godbusTransport) NameOwner(name string) (string, error) {
	var owner string
	if err := t.conn.BusObject().Call(busIface+".GetNameOwner", 0, name).Store(&owner); err != nil {
		return "", err
	}
	return owner, nil
}

// ConnectSessionBus opens a private connection to the session bus.
func ConnectSessionBus(opts ...Option) (*Conn, error) {
	c, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("dbus: session bus: %w", err)
	}
	return NewConn(&godbusTransport{conn: c}, opts...), nil
}

// ConnectSystemBus opens a private connection to the system bus.
func ConnectSystemBus(opts ...Option) (*Conn, error) {
	c, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbus: system bus: %w", err)
	}
	return NewConn(&godbusTransport{conn: c}, opts...), nil
}

// Dial connects to a bus address such as "unix:path=/run/user/1000/bus".
func Dial(address string, opts ...Option) (*Conn, error) {
	c, err := dbus.Connect(address)
	if err != nil {
		return nil, fmt.Errorf("dbus: connect %q: %w", address, err)
	}
	return NewConn(&godbusTransport{conn: c}, opts...), nil
}

// Open picks the bus by its config spelling: "session", "system" or an address.
func Open(bus string, opts ...Option) (*Conn, error) {
	switch bus {
	case "", "session":
		return ConnectSessionBus(opts...)
	case "system":
		return ConnectSystemBus(opts...)
	}
	if !strings.Contains(bus, ":") {
		return nil, fmt.Errorf("dbus: unsupported bus %q", bus)
	}
	return Dial(bus, opts...)
}

// isUniqueName reports whether name is a connection's unique name (":1.42")
// rather than a well-known name that may change owner.
func isUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// splitMember splits a signal name "iface.Member" into its interface and member.
func splitMember(name string) (iface, member string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}
