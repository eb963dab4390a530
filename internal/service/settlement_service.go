package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/mmynk/settlementd/internal/agreement"
	"github.com/mmynk/settlementd/internal/codec"
	"github.com/mmynk/settlementd/internal/contract"
	"github.com/mmynk/settlementd/internal/identity"
	"github.com/mmynk/settlementd/internal/middleware"
	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/storage"
)

const (
	SettlementServiceName = "settlement.v1.SettlementService"

	MeProcedure                 = "/" + SettlementServiceName + "/Me"
	PeersProcedure              = "/" + SettlementServiceName + "/Peers"
	MethodsProcedure            = "/" + SettlementServiceName + "/Methods"
	CreateUnilateralProcedure   = "/" + SettlementServiceName + "/CreateUnilateral"
	CreateBilateralProcedure    = "/" + SettlementServiceName + "/CreateBilateral"
	UpdateProcedure             = "/" + SettlementServiceName + "/Update"
	DeleteProcedure             = "/" + SettlementServiceName + "/Delete"
	GetProcedure                = "/" + SettlementServiceName + "/Get"
	ListMineProcedure           = "/" + SettlementServiceName + "/ListMine"
	ListMineBilateralProcedure  = "/" + SettlementServiceName + "/ListMineBilateral"
	ListMineUnilateralProcedure = "/" + SettlementServiceName + "/ListMineUnilateral"
	ListAllProcedure            = "/" + SettlementServiceName + "/ListAll"
	ListOwnedByProcedure        = "/" + SettlementServiceName + "/ListOwnedBy"
	VerifyProcedure             = "/" + SettlementServiceName + "/Verify"
)

type MeRequest struct{}

type MeResponse struct {
	Party models.Party `json:"party"`
}

type PeersRequest struct{}

type PeersResponse struct {
	Peers []identity.Entry `json:"peers"`
}

type MethodsRequest struct{}

type MethodsResponse struct {
	Methods []models.SettlementMethod `json:"methods"`
}

type CreateUnilateralRequest struct {
	Instruction models.SettlementInstruction `json:"instruction"`
}

type CreateBilateralRequest struct {
	Instruction  models.SettlementInstruction `json:"instruction"`
	Counterparty string                       `json:"counterparty"`
}

type UpdateRequest struct {
	ID          uuid.UUID                    `json:"id"`
	Version     uint64                       `json:"version"`
	Instruction models.SettlementInstruction `json:"instruction"`
}

type DeleteRequest struct {
	ID      uuid.UUID `json:"id"`
	Version uint64    `json:"version"`
}

type DeleteResponse struct{}

type GetRequest struct {
	ID uuid.UUID `json:"id"`
}

// RecordResponse carries a single record.
type RecordResponse struct {
	Record *models.SettlementRecord `json:"record"`
}

type ListRequest struct {
	// IncludeHistory applies to ListAll only.
	IncludeHistory bool `json:"includeHistory,omitempty"`

	// Owner applies to ListOwnedBy only.
	Owner string `json:"owner,omitempty"`
}

type ListResponse struct {
	Records []*models.SettlementRecord `json:"records"`
}

type VerifyRequest struct {
	ID uuid.UUID `json:"id"`
}

type VerifyResponse struct {
	TxID     string   `json:"txId"`
	Sequence uint64   `json:"sequence"`
	Notary   string   `json:"notary"`
	Signers  []string `json:"signers"`
}

// PeerLister lists the parties on the network map.
type PeerLister interface {
	Peers(ctx context.Context) ([]identity.Entry, error)
}

// SettlementService is the operator-facing API of one node.
type SettlementService struct {
	node       *agreement.Node
	peers      PeerLister
	notaryName string
}

// NewSettlementService creates the API over node. notaryName is hidden from
// the peer list.
func NewSettlementService(node *agreement.Node, peers PeerLister, notaryName string) *SettlementService {
	return &SettlementService{node: node, peers: peers, notaryName: notaryName}
}

// Me returns this node's identity.
func (s *SettlementService) Me(ctx context.Context, req *connect.Request[MeRequest]) (*connect.Response[MeResponse], error) {
	return connect.NewResponse(&MeResponse{Party: s.node.Me()}), nil
}

// Peers lists the parties this node can agree records with.
func (s *SettlementService) Peers(ctx context.Context, req *connect.Request[PeersRequest]) (*connect.Response[PeersResponse], error) {
	entries, err := s.peers.Peers(ctx)
	if err != nil {
		slog.Error("Failed to list peers", "error", err)
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}

	me := s.node.Me().Name
	peers := make([]identity.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Party.Name == me || e.Party.Name == s.notaryName {
			continue
		}
		peers = append(peers, e)
	}
	return connect.NewResponse(&PeersResponse{Peers: peers}), nil
}

// Methods lists the supported settlement methods.
func (s *SettlementService) Methods(ctx context.Context, req *connect.Request[MethodsRequest]) (*connect.Response[MethodsResponse], error) {
	return connect.NewResponse(&MethodsResponse{Methods: models.Methods()}), nil
}

// CreateUnilateral commits a record owned by this node alone.
func (s *SettlementService) CreateUnilateral(ctx context.Context, req *connect.Request[CreateUnilateralRequest]) (*connect.Response[RecordResponse], error) {
	rec, err := s.node.CreateUnilateral(ctx, req.Msg.Instruction)
	if err != nil {
		return nil, toConnectError(err)
	}
	slog.Info("Created unilateral record", "record", rec.Ref(), "principal", middleware.GetPrincipal(ctx))
	return connect.NewResponse(&RecordResponse{Record: rec}), nil
}

// CreateBilateral agrees a record with a counterparty.
func (s *SettlementService) CreateBilateral(ctx context.Context, req *connect.Request[CreateBilateralRequest]) (*connect.Response[RecordResponse], error) {
	rec, err := s.node.CreateBilateral(ctx, req.Msg.Instruction, req.Msg.Counterparty)
	if err != nil {
		return nil, toConnectError(err)
	}
	slog.Info("Created bilateral record",
		"record", rec.Ref(),
		"counterparty", req.Msg.Counterparty,
		"principal", middleware.GetPrincipal(ctx),
	)
	return connect.NewResponse(&RecordResponse{Record: rec}), nil
}

// Update replaces the instruction of a record version.
func (s *SettlementService) Update(ctx context.Context, req *connect.Request[UpdateRequest]) (*connect.Response[RecordResponse], error) {
	ref := models.RecordRef{ID: req.Msg.ID, Version: req.Msg.Version}
	rec, err := s.node.Update(ctx, ref, req.Msg.Instruction)
	if err != nil {
		return nil, toConnectError(err)
	}
	slog.Info("Updated record", "record", rec.Ref(), "principal", middleware.GetPrincipal(ctx))
	return connect.NewResponse(&RecordResponse{Record: rec}), nil
}

// Delete consumes a record version.
func (s *SettlementService) Delete(ctx context.Context, req *connect.Request[DeleteRequest]) (*connect.Response[DeleteResponse], error) {
	ref := models.RecordRef{ID: req.Msg.ID, Version: req.Msg.Version}
	if err := s.node.Delete(ctx, ref); err != nil {
		return nil, toConnectError(err)
	}
	slog.Info("Deleted record", "record", ref, "principal", middleware.GetPrincipal(ctx))
	return connect.NewResponse(&DeleteResponse{}), nil
}

// Get returns the current version of a record.
func (s *SettlementService) Get(ctx context.Context, req *connect.Request[GetRequest]) (*connect.Response[RecordResponse], error) {
	rec, err := s.node.Get(ctx, req.Msg.ID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&RecordResponse{Record: rec}), nil
}

func (s *SettlementService) ListMine(ctx context.Context, req *connect.Request[ListRequest]) (*connect.Response[ListResponse], error) {
	return listResponse(s.node.ListMine(ctx))
}

func (s *SettlementService) ListMineBilateral(ctx context.Context, req *connect.Request[ListRequest]) (*connect.Response[ListResponse], error) {
	return listResponse(s.node.ListMineBilateral(ctx))
}

func (s *SettlementService) ListMineUnilateral(ctx context.Context, req *connect.Request[ListRequest]) (*connect.Response[ListResponse], error) {
	return listResponse(s.node.ListMineUnilateral(ctx))
}

func (s *SettlementService) ListAll(ctx context.Context, req *connect.Request[ListRequest]) (*connect.Response[ListResponse], error) {
	return listResponse(s.node.ListAll(ctx, req.Msg.IncludeHistory))
}

func (s *SettlementService) ListOwnedBy(ctx context.Context, req *connect.Request[ListRequest]) (*connect.Response[ListResponse], error) {
	if req.Msg.Owner == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("owner is required"))
	}
	return listResponse(s.node.ListOwnedBy(ctx, req.Msg.Owner))
}

// Verify re-checks the signatures behind the current version of a record.
func (s *SettlementService) Verify(ctx context.Context, req *connect.Request[VerifyRequest]) (*connect.Response[VerifyResponse], error) {
	ntx, err := s.node.Verify(ctx, req.Msg.ID)
	if err != nil {
		return nil, toConnectError(err)
	}

	signers := make([]string, 0, len(ntx.Signed.Signatures))
	for _, p := range ntx.Signed.Signers() {
		signers = append(signers, p.Name)
	}
	return connect.NewResponse(&VerifyResponse{
		TxID:     ntx.ID(),
		Sequence: ntx.Sequence,
		Notary:   ntx.Notary.Name,
		Signers:  signers,
	}), nil
}

func listResponse(records []*models.SettlementRecord, err error) (*connect.Response[ListResponse], error) {
	if err != nil {
		return nil, toConnectError(err)
	}
	if records == nil {
		records = []*models.SettlementRecord{}
	}
	return connect.NewResponse(&ListResponse{Records: records}), nil
}

// toConnectError maps agreement outcomes to Connect codes. The message keeps
// the rule text so operators see why a transition was refused.
func toConnectError(err error) error {
	var (
		validation   *agreement.ValidationRejectedError
		unknown      *agreement.UnknownPartyError
		conflict     *agreement.OrderingConflictError
		counterparty *agreement.CounterpartyRejectedError
		notary       *agreement.NotaryRejectedError
		unexpected   *contract.UnexpectedStateType
	)
	switch {
	case errors.As(err, &validation):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.As(err, &unknown):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, agreement.ErrSignatureMismatch):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.As(err, &conflict):
		return connect.NewError(connect.CodeAborted, err)
	case errors.As(err, &counterparty), errors.As(err, &notary), errors.As(err, &unexpected):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, storage.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		slog.Error("Unhandled agreement error", "error", err)
		return connect.NewError(connect.CodeInternal, err)
	}
}

// NewHandler exposes svc over Connect with the JSON codec.
func NewHandler(svc *SettlementService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{codec.WithJSON()}, opts...)

	mux := http.NewServeMux()
	handle(mux, MeProcedure, svc.Me, opts)
	handle(mux, PeersProcedure, svc.Peers, opts)
	handle(mux, MethodsProcedure, svc.Methods, opts)
	handle(mux, CreateUnilateralProcedure, svc.CreateUnilateral, opts)
	handle(mux, CreateBilateralProcedure, svc.CreateBilateral, opts)
	handle(mux, UpdateProcedure, svc.Update, opts)
	handle(mux, DeleteProcedure, svc.Delete, opts)
	handle(mux, GetProcedure, svc.Get, opts)
	handle(mux, ListMineProcedure, svc.ListMine, opts)
	handle(mux, ListMineBilateralProcedure, svc.ListMineBilateral, opts)
	handle(mux, ListMineUnilateralProcedure, svc.ListMineUnilateral, opts)
	handle(mux, ListAllProcedure, svc.ListAll, opts)
	handle(mux, ListOwnedByProcedure, svc.ListOwnedBy, opts)
	handle(mux, VerifyProcedure, svc.Verify, opts)

	return "/" + SettlementServiceName + "/", mux
}

func handle[Req, Res any](
	mux *http.ServeMux,
	procedure string,
	fn func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error),
	opts []connect.HandlerOption,
) {
	mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
}
