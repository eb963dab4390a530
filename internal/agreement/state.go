package agreement

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a position in the agreement lifecycle of one transition.
type State int

const (
	StateDrafting State = iota
	StateValidating
	StateLocalSigned
	StateAwaitingCounterpartySignature
	StateCounterpartySigned
	StateFinalizing
	StateCommitted
	StateFailed
)

var stateNames = [...]string{
	StateDrafting:                      "DRAFTING",
	StateValidating:                    "VALIDATING",
	StateLocalSigned:                   "LOCAL_SIGNED",
	StateAwaitingCounterpartySignature: "AWAITING_COUNTERPARTY_SIGNATURE",
	StateCounterpartySigned:            "COUNTERPARTY_SIGNED",
	StateFinalizing:                    "FINALIZING",
	StateCommitted:                     "COMMITTED",
	StateFailed:                        "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// next lists the forward moves out of each state. Failing is legal from
// every non-terminal state and is not listed.
var next = map[State][]State{
	StateDrafting:                      {StateValidating},
	StateValidating:                    {StateLocalSigned},
	StateLocalSigned:                   {StateAwaitingCounterpartySignature, StateFinalizing},
	StateAwaitingCounterpartySignature: {StateCounterpartySigned},
	StateCounterpartySigned:            {StateFinalizing},
	StateFinalizing:                    {StateCommitted},
}

func (s State) canMoveTo(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, n := range next[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Role is the side of the protocol a node plays for one transition.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAcceptor  Role = "acceptor"
)

// ErrIllegalTransition is returned when a flow tries to skip or revisit a state.
var ErrIllegalTransition = errors.New("illegal state transition")

// Event reports one state change of one flow.
type Event struct {
	TxID   string
	Role   Role
	From   State
	To     State
	Reason string
	At     time.Time

	// Elapsed is the time since the flow started.
	Elapsed time.Duration
}

// Observer receives every state change. Observers are called synchronously
// and must not block.
type Observer func(Event)

// Tracker enforces the lifecycle of one flow and reports its state changes.
type Tracker struct {
	mu        sync.Mutex
	role      Role
	txID      string
	state     State
	reason    string
	started   time.Time
	observers []Observer
}

func newTracker(role Role, observers []Observer) *Tracker {
	return &Tracker{
		role:      role,
		state:     StateDrafting,
		started:   time.Now(),
		observers: observers,
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reason returns the failure reason, if the flow failed.
func (t *Tracker) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// TxID returns the ID of the tracked transition once it is known.
func (t *Tracker) TxID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txID
}

func (t *Tracker) setTxID(id string) {
	t.mu.Lock()
	t.txID = id
	t.mu.Unlock()
}

func (t *Tracker) advance(to State) error {
	return t.move(to, "")
}

// fail moves the flow to FAILED. Failing a terminal flow is a no-op.
func (t *Tracker) fail(err error) {
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	_ = t.move(StateFailed, reason)
}

func (t *Tracker) move(to State, reason string) error {
	t.mu.Lock()
	from := t.state
	if !from.canMoveTo(to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	t.state = to
	if to == StateFailed {
		t.reason = reason
	}
	now := time.Now()
	ev := Event{
		TxID:    t.txID,
		Role:    t.role,
		From:    from,
		To:      to,
		Reason:  reason,
		At:      now,
		Elapsed: now.Sub(t.started),
	}
	observers := t.observers
	t.mu.Unlock()

	for _, o := range observers {
		o(ev)
	}
	return nil
}
