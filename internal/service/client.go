package service

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/mmynk/settlementd/internal/codec"
	"github.com/mmynk/settlementd/internal/identity"
	"github.com/mmynk/settlementd/internal/models"
)

// Client calls a node's SettlementService.
type Client struct {
	httpClient connect.HTTPClient
	baseURL    string
	token      string
	opts       []connect.ClientOption
}

// NewClient creates a client for the node API at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts:       append([]connect.ClientOption{codec.WithJSON()}, opts...),
	}
}

// WithToken returns a copy of c that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	out := *c
	out.token = token
	return &out
}

func call[Req, Res any](ctx context.Context, c *Client, procedure string, msg *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](c.httpClient, c.baseURL+procedure, c.opts...)
	req := connect.NewRequest(msg)
	if c.token != "" {
		req.Header().Set("Authorization", "Bearer "+c.token)
	}
	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Me(ctx context.Context) (models.Party, error) {
	resp, err := call[MeRequest, MeResponse](ctx, c, MeProcedure, &MeRequest{})
	if err != nil {
		return models.Party{}, err
	}
	return resp.Party, nil
}

func (c *Client) Peers(ctx context.Context) ([]identity.Entry, error) {
	resp, err := call[PeersRequest, PeersResponse](ctx, c, PeersProcedure, &PeersRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func (c *Client) Methods(ctx context.Context) ([]models.SettlementMethod, error) {
	resp, err := call[MethodsRequest, MethodsResponse](ctx, c, MethodsProcedure, &MethodsRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Methods, nil
}

func (c *Client) CreateUnilateral(ctx context.Context, in models.SettlementInstruction) (*models.SettlementRecord, error) {
	resp, err := call[CreateUnilateralRequest, RecordResponse](ctx, c, CreateUnilateralProcedure,
		&CreateUnilateralRequest{Instruction: in})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

func (c *Client) CreateBilateral(ctx context.Context, in models.SettlementInstruction, counterparty string) (*models.SettlementRecord, error) {
	resp, err := call[CreateBilateralRequest, RecordResponse](ctx, c, CreateBilateralProcedure,
		&CreateBilateralRequest{Instruction: in, Counterparty: counterparty})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

func (c *Client) Update(ctx context.Context, ref models.RecordRef, in models.SettlementInstruction) (*models.SettlementRecord, error) {
	resp, err := call[UpdateRequest, RecordResponse](ctx, c, UpdateProcedure,
		&UpdateRequest{ID: ref.ID, Version: ref.Version, Instruction: in})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

func (c *Client) Delete(ctx context.Context, ref models.RecordRef) error {
	_, err := call[DeleteRequest, DeleteResponse](ctx, c, DeleteProcedure,
		&DeleteRequest{ID: ref.ID, Version: ref.Version})
	return err
}

func (c *Client) Get(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error) {
	resp, err := call[GetRequest, RecordResponse](ctx, c, GetProcedure, &GetRequest{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// List calls one of the list procedures.
func (c *Client) List(ctx context.Context, procedure string, req ListRequest) ([]*models.SettlementRecord, error) {
	resp, err := call[ListRequest, ListResponse](ctx, c, procedure, &req)
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) Verify(ctx context.Context, id uuid.UUID) (*VerifyResponse, error) {
	return call[VerifyRequest, VerifyResponse](ctx, c, VerifyProcedure, &VerifyRequest{ID: id})
}
