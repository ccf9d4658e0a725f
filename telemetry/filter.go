package telemetry

import "github.com/agenttrail-systems/agenttrail/telemetry/event"

// filter decides whether an event type proceeds into the queue. The
// decision is pure so filtered-out events never consume capacity.
//
// Precedence: a disabled pipeline rejects everything; a non-empty
// allowlist admits only its members and the denylist is ignored; a
// denylist alone rejects its members; with neither, everything passes.
type filter struct {
	enabled bool
	allow   map[event.Type]struct{}
	deny    map[event.Type]struct{}
}

func newFilter(enabled bool, allowlist, denylist []string) filter {
	return filter{
		enabled: enabled,
		allow:   typeSet(allowlist),
		deny:    typeSet(denylist),
	}
}

func (f filter) shouldLog(eventType event.Type) bool {
	if !f.enabled {
		return false
	}
	if len(f.allow) > 0 {
		_, ok := f.allow[eventType]
		return ok
	}
	if len(f.deny) > 0 {
		_, ok := f.deny[eventType]
		return !ok
	}
	return true
}

func typeSet(names []string) map[event.Type]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[event.Type]struct{}, len(names))
	for _, name := range names {
		set[event.Type(name)] = struct{}{}
	}
	return set
}
