// Package agreement runs the settlement agreement protocol for one party.
//
// A Node plays the initiator for the records it creates, updates or deletes,
// and the acceptor when a peer proposes a bilateral record naming it as
// counterparty. Every transition passes local validation, collects the
// signatures of all participants and is finalized by the notary before any
// store is changed.
package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/settlementd/internal/identity"
	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/signing"
	"github.com/mmynk/settlementd/internal/storage"
)

const (
	// DefaultFinalityTimeout is how long a signed proposal waits for its
	// finalized transition before the acceptor gives up on it.
	DefaultFinalityTimeout = 2 * time.Minute

	// DefaultMaxPending bounds the proposals awaiting finality at once.
	DefaultMaxPending = 1024
)

var (
	// ErrFinalityTimeout is the failure reason of an accepted proposal whose
	// finalized transition never arrived.
	ErrFinalityTimeout = errors.New("finality not received")

	// ErrTooManyPending is returned when a proposal arrives while the
	// pending table is full.
	ErrTooManyPending = errors.New("too many proposals awaiting finality")
)

// Resolver maps party names to identities.
type Resolver interface {
	Resolve(ctx context.Context, name string) (models.Party, error)
}

// Notary orders fully-signed transitions.
type Notary interface {
	Submit(ctx context.Context, stx *models.SignedTransition) (*models.NotarisedTransition, error)
}

// Session reaches other parties' acceptor flows.
type Session interface {
	// RequestSignature asks peer to validate and sign stx. A refusal is
	// reported as a *CounterpartyRejectedError.
	RequestSignature(ctx context.Context, peer models.Party, stx *models.SignedTransition) (models.Signature, error)

	// SendFinalized delivers a notarised transition to peer.
	SendFinalized(ctx context.Context, peer models.Party, ntx *models.NotarisedTransition) error
}

// Config holds a node's collaborators.
type Config struct {
	Signer   signing.Signer
	Resolver Resolver
	Notary   Notary

	// NotaryIdentity is the notary key every finalized transition must be signed with.
	NotaryIdentity models.Party

	Session   Session
	Store     storage.Store
	Observers []Observer
	Logger    *slog.Logger

	// FinalityTimeout bounds the wait for a finalized transition after
	// signing a proposal. Zero means DefaultFinalityTimeout.
	FinalityTimeout time.Duration

	// MaxPending bounds the proposals awaiting finality. Zero means
	// DefaultMaxPending.
	MaxPending int
}

// Node is one party's agreement protocol engine.
type Node struct {
	me        models.Party
	signer    signing.Signer
	resolver  Resolver
	notary    Notary
	notaryID  models.Party
	session   Session
	store     storage.Store
	observers []Observer
	log       *slog.Logger

	finalityTimeout time.Duration
	maxPending      int

	mu      sync.Mutex
	pending map[string]*pendingFlow
}

// pendingFlow is an accepted proposal awaiting its finalized transition.
type pendingFlow struct {
	tracker *Tracker
	timer   *time.Timer
}

// NewNode validates cfg and creates a node.
func NewNode(cfg Config) (*Node, error) {
	switch {
	case cfg.Signer == nil:
		return nil, errors.New("agreement: signer is required")
	case cfg.Resolver == nil:
		return nil, errors.New("agreement: resolver is required")
	case cfg.Notary == nil:
		return nil, errors.New("agreement: notary is required")
	case cfg.NotaryIdentity.IsZero():
		return nil, errors.New("agreement: notary identity is required")
	case cfg.Session == nil:
		return nil, errors.New("agreement: session is required")
	case cfg.Store == nil:
		return nil, errors.New("agreement: store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	me := cfg.Signer.Party()
	finalityTimeout := cfg.FinalityTimeout
	if finalityTimeout <= 0 {
		finalityTimeout = DefaultFinalityTimeout
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}

	return &Node{
		me:        me,
		signer:    cfg.Signer,
		resolver:  cfg.Resolver,
		notary:    cfg.Notary,
		notaryID:  cfg.NotaryIdentity,
		session:   cfg.Session,
		store:     cfg.Store,
		observers: append([]Observer(nil), cfg.Observers...),
		log:       logger.With("component", "agreement", "party", me.Name),

		finalityTimeout: finalityTimeout,
		maxPending:      maxPending,
		pending:         make(map[string]*pendingFlow),
	}, nil
}

// Me returns the party this node signs as.
func (n *Node) Me() models.Party {
	return n.me
}

// Pending returns the number of accepted proposals awaiting finalization.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *Node) track(role Role) *Tracker {
	return newTracker(role, n.observers)
}

func (n *Node) resolve(ctx context.Context, name string) (models.Party, error) {
	p, err := n.resolver.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return models.Party{}, &UnknownPartyError{Name: name, Err: err}
		}
		return models.Party{}, fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	return p, nil
}

// addPending parks t until its finalized transition arrives or the finality
// timeout fails it. A repeated proposal for the same transition replaces the
// earlier flow.
func (n *Node) addPending(txID string, t *Tracker) error {
	n.mu.Lock()
	prev, repeated := n.pending[txID]
	if !repeated && len(n.pending) >= n.maxPending {
		n.mu.Unlock()
		return ErrTooManyPending
	}
	p := &pendingFlow{tracker: t}
	p.timer = time.AfterFunc(n.finalityTimeout, func() { n.expire(txID, p) })
	n.pending[txID] = p
	n.mu.Unlock()

	if repeated {
		prev.timer.Stop()
		prev.tracker.fail(errors.New("proposal received again"))
	}
	return nil
}

func (n *Node) takePending(txID string) *Tracker {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pending[txID]
	if !ok {
		return nil
	}
	delete(n.pending, txID)
	p.timer.Stop()
	return p.tracker
}

func (n *Node) expire(txID string, p *pendingFlow) {
	n.mu.Lock()
	if n.pending[txID] != p {
		n.mu.Unlock()
		return
	}
	delete(n.pending, txID)
	n.mu.Unlock()

	p.tracker.fail(ErrFinalityTimeout)
	n.log.Warn("Gave up waiting for finalized transition", "tx_id", txID, "timeout", n.finalityTimeout)
}
