// Package session carries the agreement protocol between parties: an
// initiator asks a counterparty to sign a proposal and later delivers the
// notarised result. Calls are authenticated with short-lived EdDSA tokens
// signed by the calling party's settlement key.
package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/settlementd/internal/agreement"
	"github.com/mmynk/settlementd/internal/auth"
	"github.com/mmynk/settlementd/internal/codec"
	"github.com/mmynk/settlementd/internal/identity"
	"github.com/mmynk/settlementd/internal/middleware"
	"github.com/mmynk/settlementd/internal/models"
)

const (
	PeerServiceName = "settlement.session.v1.PeerService"

	RequestSignatureProcedure = "/" + PeerServiceName + "/RequestSignature"
	FinalizedProcedure        = "/" + PeerServiceName + "/Finalized"
)

type SignatureRequest struct {
	Signed models.SignedTransition `json:"signed"`
}

type SignatureResponse struct {
	Signature models.Signature `json:"signature"`
}

type FinalizedRequest struct {
	Notarised models.NotarisedTransition `json:"notarised"`
}

type FinalizedResponse struct{}

// Acceptor is the protocol side that answers peers. *agreement.Node
// implements it.
type Acceptor interface {
	SignProposal(ctx context.Context, caller models.Party, stx *models.SignedTransition) (models.Signature, error)
	RecordFinalized(ctx context.Context, caller models.Party, ntx *models.NotarisedTransition) error
}

// Locator finds a party's network map entry.
type Locator interface {
	Lookup(ctx context.Context, name string) (identity.Entry, error)
}

// NewHandler serves the peer session endpoints for the party named self.
// Callers must present a token addressed to self and signed with the key the
// network map holds for them. Refusals are returned as FailedPrecondition
// carrying the reason.
func NewHandler(acceptor Acceptor, self string, dir Locator, opts ...connect.HandlerOption) (string, http.Handler) {
	verifier := auth.NewPeerVerifier(self, func(ctx context.Context, name string) (ed25519.PublicKey, error) {
		e, err := dir.Lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		return e.Party.PublicKey, nil
	})
	opts = append([]connect.HandlerOption{
		codec.WithCBOR(),
		connect.WithInterceptors(middleware.RequireAuth(verifier)),
	}, opts...)

	caller := func(ctx context.Context) (models.Party, error) {
		e, err := dir.Lookup(ctx, middleware.GetPrincipal(ctx))
		if err != nil {
			return models.Party{}, connect.NewError(connect.CodeUnauthenticated, err)
		}
		return e.Party, nil
	}

	mux := http.NewServeMux()
	mux.Handle(RequestSignatureProcedure, connect.NewUnaryHandler(RequestSignatureProcedure,
		func(ctx context.Context, req *connect.Request[SignatureRequest]) (*connect.Response[SignatureResponse], error) {
			from, err := caller(ctx)
			if err != nil {
				return nil, err
			}
			sig, err := acceptor.SignProposal(ctx, from, &req.Msg.Signed)
			if err != nil {
				return nil, refusal(err)
			}
			return connect.NewResponse(&SignatureResponse{Signature: sig}), nil
		}, opts...))
	mux.Handle(FinalizedProcedure, connect.NewUnaryHandler(FinalizedProcedure,
		func(ctx context.Context, req *connect.Request[FinalizedRequest]) (*connect.Response[FinalizedResponse], error) {
			from, err := caller(ctx)
			if err != nil {
				return nil, err
			}
			if err := acceptor.RecordFinalized(ctx, from, &req.Msg.Notarised); err != nil {
				return nil, refusal(err)
			}
			return connect.NewResponse(&FinalizedResponse{}), nil
		}, opts...))

	return "/" + PeerServiceName + "/", mux
}

func refusal(err error) error {
	return connect.NewError(connect.CodeFailedPrecondition, errors.New(agreement.Reason(err)))
}

// DefaultTimeout bounds one peer call when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Transport is the client side of peer sessions; it implements
// agreement.Session.
type Transport struct {
	issuer     *auth.PeerIssuer
	dir        Locator
	httpClient connect.HTTPClient
	timeout    time.Duration
	opts       []connect.ClientOption
}

var _ agreement.Session = (*Transport)(nil)

// NewTransport creates a transport that authenticates with issuer and finds
// peers through dir.
func NewTransport(issuer *auth.PeerIssuer, dir Locator, httpClient connect.HTTPClient, timeout time.Duration, opts ...connect.ClientOption) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transport{
		issuer:     issuer,
		dir:        dir,
		httpClient: httpClient,
		timeout:    timeout,
		opts:       append([]connect.ClientOption{codec.WithCBOR()}, opts...),
	}
}

// RequestSignature implements agreement.Session.
func (t *Transport) RequestSignature(ctx context.Context, peer models.Party, stx *models.SignedTransition) (models.Signature, error) {
	base, err := t.endpoint(ctx, peer)
	if err != nil {
		return models.Signature{}, err
	}

	client := connect.NewClient[SignatureRequest, SignatureResponse](t.httpClient, base+RequestSignatureProcedure, t.opts...)
	req := connect.NewRequest(&SignatureRequest{Signed: *stx})
	if err := t.authorize(req.Header(), peer); err != nil {
		return models.Signature{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		return models.Signature{}, t.callError(peer, err)
	}
	return resp.Msg.Signature, nil
}

// SendFinalized implements agreement.Session.
func (t *Transport) SendFinalized(ctx context.Context, peer models.Party, ntx *models.NotarisedTransition) error {
	base, err := t.endpoint(ctx, peer)
	if err != nil {
		return err
	}

	client := connect.NewClient[FinalizedRequest, FinalizedResponse](t.httpClient, base+FinalizedProcedure, t.opts...)
	req := connect.NewRequest(&FinalizedRequest{Notarised: *ntx})
	if err := t.authorize(req.Header(), peer); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if _, err := client.CallUnary(ctx, req); err != nil {
		return t.callError(peer, err)
	}
	return nil
}

func (t *Transport) endpoint(ctx context.Context, peer models.Party) (string, error) {
	e, err := t.dir.Lookup(ctx, peer.Name)
	if err != nil {
		return "", err
	}
	if !e.Party.Equal(peer) {
		return "", fmt.Errorf("%w: network map holds a different key for %s", agreement.ErrSignatureMismatch, peer)
	}
	if e.Address == "" {
		return "", fmt.Errorf("%s has no session address", peer)
	}
	return strings.TrimRight(e.Address, "/"), nil
}

func (t *Transport) authorize(h http.Header, peer models.Party) error {
	token, err := t.issuer.Mint(peer.Name)
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

// forgetter is implemented by caching locators.
type forgetter interface {
	Forget(name string)
}

func (t *Transport) callError(peer models.Party, err error) error {
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		switch connectErr.Code() {
		case connect.CodeFailedPrecondition:
			return &agreement.CounterpartyRejectedError{Party: peer.Name, Reason: connectErr.Message()}
		case connect.CodeUnavailable:
			if f, ok := t.dir.(forgetter); ok {
				f.Forget(peer.Name)
			}
		}
	}
	return fmt.Errorf("session with %s: %w", peer, err)
}
