package bus

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// MatchRule selects signals by sender, path, interface, member and first
// string argument. Empty fields match anything.
type MatchRule struct {
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	Arg0      string
}

// String renders the rule in the syntax org.freedesktop.DBus.AddMatch expects,
// e.g. type='signal',sender='org.example',path='/org/example'.
func (r MatchRule) String() string {
	var b strings.Builder
	b.WriteString("type='signal'")
	add := func(key, val string) {
		if val == "" {
			return
		}
		b.WriteString(",")
		b.WriteString(key)
		b.WriteString("='")
		// a quote inside a value is written as '\''
		b.WriteString(strings.ReplaceAll(val, "'", `'\''`))
		b.WriteString("'")
	}
	add("sender", r.Sender)
	add("path", string(r.Path))
	add("interface", r.Interface)
	add("member", r.Member)
	add("arg0", r.Arg0)
	return b.String()
}

// Matches reports whether sig satisfies the rule. owner is the current unique
// name behind a well-known Sender, or "" when unknown.
func (r MatchRule) Matches(sig *dbus.Signal, owner string) bool {
	if sig == nil {
		return false
	}
	if r.Sender != "" && sig.Sender != r.Sender && (owner == "" || sig.Sender != owner) {
		return false
	}
	if r.Path != "" && sig.Path != r.Path {
		return false
	}
	iface, member := splitMember(sig.Name)
	if r.Interface != "" && iface != r.Interface {
		return false
	}
	if r.Member != "" && member != r.Member {
		return false
	}
	if r.Arg0 != "" {
		if len(sig.Body) == 0 {
			return false
		}
		if s, ok := sig.Body[0].(string); !ok || s != r.Arg0 {
			return false
		}
	}
	return true
}

// ownerChangedRule selects NameOwnerChanged notifications for name.
func ownerChangedRule(name string) MatchRule {
	return MatchRule{
		Sender:    busName,
		Path:      busPath,
		Interface: busIface,
		Member:    "NameOwnerChanged",
		Arg0:      name,
	}
}

// ownerChange decodes a NameOwnerChanged body: (name, old_owner, new_owner).
func ownerChange(sig *dbus.Signal) (name, newOwner string, ok bool) {
	if sig.Sender != busName || sig.Name != busIface+".NameOwnerChanged" || len(sig.Body) < 3 {
		return "", "", false
	}
	name, ok1 := sig.Body[0].(string)
	newOwner, ok2 := sig.Body[2].(string)
	if !ok1 || !ok2 {
		return "", "", false
	}
	return name, newOwner, true
}
