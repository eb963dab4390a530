package notary

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/settlementd/internal/codec"
	"github.com/mmynk/settlementd/internal/models"
)

const (
	NotaryServiceName = "settlement.notary.v1.NotaryService"

	SubmitProcedure = "/" + NotaryServiceName + "/Submit"
)

type SubmitRequest struct {
	Signed models.SignedTransition `json:"signed"`
}

type SubmitResponse struct {
	Notarised models.NotarisedTransition `json:"notarised"`
}

// NewHandler exposes svc over Connect. Conflicts map to Aborted and
// rejections to FailedPrecondition so that clients can tell them apart.
func NewHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{codec.WithCBOR()}, opts...)

	mux := http.NewServeMux()
	mux.Handle(SubmitProcedure, connect.NewUnaryHandler(SubmitProcedure,
		func(ctx context.Context, req *connect.Request[SubmitRequest]) (*connect.Response[SubmitResponse], error) {
			ntx, err := svc.Submit(ctx, &req.Msg.Signed)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(&SubmitResponse{Notarised: *ntx}), nil
		}, opts...))

	return "/" + NotaryServiceName + "/", mux
}

func toConnectError(err error) error {
	var conflict *Conflict
	var rejection *Rejection
	switch {
	case errors.As(err, &conflict):
		return connect.NewError(connect.CodeAborted, errors.New(conflict.Reason))
	case errors.As(err, &rejection):
		return connect.NewError(connect.CodeFailedPrecondition, errors.New(rejection.Reason))
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// Client submits transitions to a remote notary.
type Client struct {
	submit *connect.Client[SubmitRequest, SubmitResponse]
}

// NewClient creates a notary client for the service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{codec.WithCBOR()}, opts...)
	return &Client{
		submit: connect.NewClient[SubmitRequest, SubmitResponse](httpClient, baseURL+SubmitProcedure, opts...),
	}
}

// Submit orders stx. The error is a *Conflict or *Rejection when the notary
// refused the transition.
func (c *Client) Submit(ctx context.Context, stx *models.SignedTransition) (*models.NotarisedTransition, error) {
	resp, err := c.submit.CallUnary(ctx, connect.NewRequest(&SubmitRequest{Signed: *stx}))
	if err != nil {
		var connectErr *connect.Error
		if errors.As(err, &connectErr) {
			switch connectErr.Code() {
			case connect.CodeAborted:
				return nil, &Conflict{Reason: connectErr.Message()}
			case connect.CodeFailedPrecondition:
				return nil, &Rejection{Reason: connectErr.Message()}
			}
		}
		return nil, fmt.Errorf("notary submit: %w", err)
	}
	return &resp.Msg.Notarised, nil
}
