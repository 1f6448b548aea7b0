package host

import (
	"fmt"
	"sort"
	"strings"
)

// Signal is a bitmask of physical controls.
type Signal uint32

const (
	SignalSelect   Signal = 0x00000001
	SignalStart    Signal = 0x00000008
	SignalUp       Signal = 0x00000010
	SignalRight    Signal = 0x00000020
	SignalDown     Signal = 0x00000040
	SignalLeft     Signal = 0x00000080
	SignalLTrigger Signal = 0x00000100
	SignalRTrigger Signal = 0x00000200
	SignalTriangle Signal = 0x00001000
	SignalCircle   Signal = 0x00002000
	SignalCross    Signal = 0x00004000
	SignalSquare   Signal = 0x00008000
	SignalHome     Signal = 0x00010000
	SignalHold     Signal = 0x00020000
	SignalWLAN     Signal = 0x00040000
	SignalRemote   Signal = 0x00080000
	SignalVolUp    Signal = 0x00100000
	SignalVolDown  Signal = 0x00200000
	SignalScreen   Signal = 0x00400000
	SignalNote     Signal = 0x00800000
	SignalDisc     Signal = 0x01000000
	SignalMS       Signal = 0x02000000
)

var signalNames = map[string]Signal{
	"select":   SignalSelect,
	"start":    SignalStart,
	"up":       SignalUp,
	"right":    SignalRight,
	"down":     SignalDown,
	"left":     SignalLeft,
	"ltrigger": SignalLTrigger,
	"rtrigger": SignalRTrigger,
	"triangle": SignalTriangle,
	"circle":   SignalCircle,
	"cross":    SignalCross,
	"square":   SignalSquare,
	"home":     SignalHome,
	"hold":     SignalHold,
	"wlan":     SignalWLAN,
	"remote":   SignalRemote,
	"volup":    SignalVolUp,
	"voldown":  SignalVolDown,
	"screen":   SignalScreen,
	"note":     SignalNote,
	"disc":     SignalDisc,
	"ms":       SignalMS,
}

// ParseSignals parses a "+"-separated list of control names, e.g.
// "home+start".
func ParseSignals(s string) (Signal, error) {
	var out Signal
	for _, part := range strings.Split(s, "+") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		sig, ok := signalNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown signal %q", name)
		}
		out |= sig
	}
	if out == 0 {
		return 0, fmt.Errorf("empty signal set %q", s)
	}
	return out, nil
}

// String renders the set in the form ParseSignals accepts.
func (s Signal) String() string {
	var names []string
	for name, sig := range signalNames {
		if s&sig != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("0x%x", uint32(s))
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}

// InputState is a snapshot of the controls currently asserted.
type InputState struct {
	Buttons Signal
}

// Has reports whether every signal in set is asserted.
func (in InputState) Has(set Signal) bool {
	return set != 0 && in.Buttons&set == set
}

// EventKind classifies a suspend event.
type EventKind int

const (
	// EventQuery asks whether suspend may proceed now.
	EventQuery EventKind = iota
	// EventStart reports that suspend has begun.
	EventStart
	// EventCancelled reports that a pending suspend was abandoned.
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventQuery:
		return "query"
	case EventStart:
		return "start"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "query":
		return EventQuery, nil
	case "start":
		return EventStart, nil
	case "cancelled":
		return EventCancelled, nil
	}
	return 0, fmt.Errorf("unknown suspend event kind %q", s)
}

// SuspendEvent is one notification on the suspend bus. ID is opaque to
// the engines and only logged.
type SuspendEvent struct {
	Kind EventKind
	ID   uint32
}

// Verdict is a handler's answer to a suspend event.
type Verdict int

const (
	Allow Verdict = iota
	Deny
)

func (v Verdict) String() string {
	if v == Deny {
		return "deny"
	}
	return "allow"
}

// SuspendHandler answers suspend events. It runs synchronously on the
// bus's context and must return without blocking.
type SuspendHandler func(SuspendEvent) Verdict

// SuspendHandlerConfig describes a handler registration.
type SuspendHandlerConfig struct {
	Name    string
	Handler SuspendHandler
}

// NewSuspendHandler builds a handler registration.
func NewSuspendHandler(name string, fn SuspendHandler) SuspendHandlerConfig {
	return SuspendHandlerConfig{Name: name, Handler: fn}
}

// Transition is a power-switch notification.
type Transition int

const (
	// Pressed means the power switch is physically held.
	Pressed Transition = iota
	// ReleasedOrOther covers a switch release and every suspend trigger
	// that is not the physical switch.
	ReleasedOrOther
)

func (t Transition) String() string {
	if t == Pressed {
		return "pressed"
	}
	return "released"
}
