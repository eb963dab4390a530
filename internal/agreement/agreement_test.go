package agreement

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/settlementd/internal/contract"
	"github.com/mmynk/settlementd/internal/identity"
	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/notary"
	"github.com/mmynk/settlementd/internal/signing"
	"github.com/mmynk/settlementd/internal/storage"
	"github.com/mmynk/settlementd/internal/storage/sqlite"
)

// testNet wires nodes together in-process: sessions call the peer node
// directly and every node shares one notary and one network map.
type testNet struct {
	t        *testing.T
	dir      *identity.Directory
	notary   *notary.Service
	notaryID models.Party

	mu     sync.Mutex
	nodes  map[string]*Node
	events []Event

	signatureRequests atomic.Int32
	dropDeliveries    atomic.Bool
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	notarySigner, err := signing.Generate("Notary")
	require.NoError(t, err)
	svc, err := notary.New(filepath.Join(t.TempDir(), "notary.db"), notarySigner)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return &testNet{
		t:        t,
		dir:      identity.NewDirectory(),
		notary:   svc,
		notaryID: notarySigner.Party(),
		nodes:    make(map[string]*Node),
	}
}

func (tn *testNet) addNode(name string) *Node {
	return tn.addNodeWithResolver(name, nil)
}

func (tn *testNet) addNodeWithResolver(name string, resolver Resolver) *Node {
	return tn.addNodeWith(name, func(cfg *Config) {
		if resolver != nil {
			cfg.Resolver = resolver
		}
	})
}

func (tn *testNet) addNodeWith(name string, configure func(*Config)) *Node {
	t := tn.t
	t.Helper()

	signer, err := signing.Generate(name)
	require.NoError(t, err)
	require.NoError(t, tn.dir.Register(context.Background(), identity.Entry{Party: signer.Party(), Address: "loopback://" + name}))

	store, err := sqlite.New(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		Signer:         signer,
		Resolver:       tn.dir,
		Notary:         tn.notary,
		NotaryIdentity: tn.notaryID,
		Session:        &loopbackSession{net: tn, self: signer.Party()},
		Store:          store,
		Observers:      []Observer{tn.record},
	}
	if configure != nil {
		configure(&cfg)
	}
	node, err := NewNode(cfg)
	require.NoError(t, err)

	tn.mu.Lock()
	tn.nodes[name] = node
	tn.mu.Unlock()
	return node
}

func (tn *testNet) record(e Event) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.events = append(tn.events, e)
}

func (tn *testNet) states(txID string, role Role) []State {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	var out []State
	for _, e := range tn.events {
		if e.TxID == txID && e.Role == role {
			out = append(out, e.To)
		}
	}
	return out
}

func (tn *testNet) failure(txID string, role Role) (string, bool) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	for _, e := range tn.events {
		if e.TxID == txID && e.Role == role && e.To == StateFailed {
			return e.Reason, true
		}
	}
	return "", false
}

func (tn *testNet) node(name string) (*Node, error) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	n, ok := tn.nodes[name]
	if !ok {
		return nil, fmt.Errorf("no route to %s", name)
	}
	return n, nil
}

type loopbackSession struct {
	net  *testNet
	self models.Party
}

func (s *loopbackSession) RequestSignature(ctx context.Context, peer models.Party, stx *models.SignedTransition) (models.Signature, error) {
	s.net.signatureRequests.Add(1)
	n, err := s.net.node(peer.Name)
	if err != nil {
		return models.Signature{}, err
	}
	sig, err := n.SignProposal(ctx, s.self, stx)
	if err != nil {
		return models.Signature{}, &CounterpartyRejectedError{Party: peer.Name, Reason: Reason(err)}
	}
	return sig, nil
}

func (s *loopbackSession) SendFinalized(ctx context.Context, peer models.Party, ntx *models.NotarisedTransition) error {
	if s.net.dropDeliveries.Load() {
		return errors.New("connection refused")
	}
	n, err := s.net.node(peer.Name)
	if err != nil {
		return err
	}
	return n.RecordFinalized(ctx, s.self, ntx)
}

type resolverFunc func(ctx context.Context, name string) (models.Party, error)

func (f resolverFunc) Resolve(ctx context.Context, name string) (models.Party, error) {
	return f(ctx, name)
}

func swift() models.SettlementInstruction {
	return models.SettlementInstruction{
		Method:          models.MethodSWIFT,
		BeneficiaryName: "Acme Corp",
		BankCode:        "BOFAUS3N",
		Institution:     "Bank of America",
		Reference:       "INV-42",
	}
}

func wire(ref string) models.SettlementInstruction {
	return models.SettlementInstruction{Method: models.MethodWIRE, BeneficiaryName: "Acme", Reference: ref}
}

func ids(recs []*models.SettlementRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Ref().String()
	}
	return out
}

func TestCreateBilateral_CommittedOnBothSides(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")
	bankB := tn.addNode("BankB")
	ctx := context.Background()

	rec, err := bankA.CreateBilateral(ctx, swift(), "BankB")
	require.NoError(t, err)
	assert.Equal(t, models.KindBilateral, rec.Kind)
	assert.Equal(t, uint64(1), rec.Version)
	assert.True(t, rec.Owner.Equal(bankA.Me()))
	assert.True(t, rec.Counterparty.Equal(bankB.Me()))

	for _, n := range []*Node{bankA, bankB} {
		mine, err := n.ListMineBilateral(ctx)
		require.NoError(t, err)
		require.Len(t, mine, 1, "%s should see the record", n.Me())
		assert.Equal(t, rec.ID, mine[0].ID)
		assert.True(t, mine[0].Instruction.Equal(swift()))

		ntx, err := n.Verify(ctx, rec.ID)
		require.NoError(t, err)
		assert.Len(t, ntx.Signed.Signatures, 2)
	}

	unilateral, err := bankB.ListMineUnilateral(ctx)
	require.NoError(t, err)
	assert.Empty(t, unilateral)

	owned, err := bankB.ListOwnedBy(ctx, "BankA")
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	ntx, err := bankA.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateValidating,
		StateLocalSigned,
		StateAwaitingCounterpartySignature,
		StateCounterpartySigned,
		StateFinalizing,
		StateCommitted,
	}, tn.states(ntx.ID(), RoleInitiator))
	assert.Equal(t, []State{
		StateValidating,
		StateLocalSigned,
		StateFinalizing,
		StateCommitted,
	}, tn.states(ntx.ID(), RoleAcceptor))
	assert.Equal(t, 0, bankB.Pending())
}

func TestCreateBilateral_ValidationFailsLocally(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")
	bankB := tn.addNode("BankB")
	ctx := context.Background()

	tests := []struct {
		name         string
		instruction  models.SettlementInstruction
		counterparty string
		reason       string
	}{
		{
			name: "negative ACH account",
			instruction: models.SettlementInstruction{
				Method:        models.MethodACH,
				Account:       models.Int64(-1),
				RoutingNumber: models.Int64(1),
			},
			counterparty: "BankB",
			reason:       "The Settlement account number must be greater than 0.",
		},
		{
			name:         "ACH without numbers",
			instruction:  models.SettlementInstruction{Method: models.MethodACH},
			counterparty: "BankB",
			reason:       "Settlement method of type ACH must include account and routing number.",
		},
		{
			name:         "self as counterparty",
			instruction:  swift(),
			counterparty: "BankA",
			reason:       "The bank and the counterparty cannot be the same entity.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bankA.CreateBilateral(ctx, tt.instruction, tt.counterparty)
			var rejected *ValidationRejectedError
			require.True(t, errors.As(err, &rejected), "got %v", err)
			assert.Equal(t, tt.reason, rejected.Reason)
		})
	}

	assert.Zero(t, tn.signatureRequests.Load(), "no counterparty may be contacted")
	for _, n := range []*Node{bankA, bankB} {
		all, err := n.ListAll(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, all)
	}
}

func TestCreateBilateral_UnknownParty(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")

	_, err := bankA.CreateBilateral(context.Background(), swift(), "BankZ")
	var unknown *UnknownPartyError
	require.True(t, errors.As(err, &unknown), "got %v", err)
	assert.Equal(t, "BankZ", unknown.Name)
	assert.ErrorIs(t, err, identity.ErrNotFound)
	assert.Zero(t, tn.signatureRequests.Load())
}

func TestCreateBilateral_CounterpartyRejects(t *testing.T) {
	tn := newTestNet(t)
	bankB := tn.addNode("BankB")

	// BankA's view of BankB carries a key BankB does not hold.
	stale, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bankA := tn.addNodeWithResolver("BankA", resolverFunc(func(ctx context.Context, name string) (models.Party, error) {
		if name == "BankB" {
			return models.Party{Name: "BankB", PublicKey: stale}, nil
		}
		return tn.dir.Resolve(ctx, name)
	}))

	_, err = bankA.CreateBilateral(context.Background(), swift(), "BankB")
	var rejected *CounterpartyRejectedError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	assert.Equal(t, "BankB", rejected.Party)
	assert.Contains(t, rejected.Reason, "unexpected state type")

	for _, n := range []*Node{bankA, bankB} {
		all, err := n.ListAll(context.Background(), true)
		require.NoError(t, err)
		assert.Empty(t, all)
	}
}

func TestCreateBilateral_CancelledBeforeSignatureRequest(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")
	tn.addNode("BankB")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bankA.CreateBilateral(ctx, swift(), "BankB")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, tn.signatureRequests.Load())

	mine, err := bankA.ListMine(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestCreateBilateral_DeliveryFailureKeepsCommit(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")
	bankB := tn.addNode("BankB")
	ctx := context.Background()

	tn.dropDeliveries.Store(true)
	rec, err := bankA.CreateBilateral(ctx, swift(), "BankB")
	require.NoError(t, err, "a failed delivery does not undo the commit")

	mineB, err := bankB.ListMine(ctx)
	require.NoError(t, err)
	assert.Empty(t, mineB)
	assert.Equal(t, 1, bankB.Pending())

	// Redelivery lands, and is idempotent.
	ntx, err := bankA.Verify(ctx, rec.ID)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, bankB.RecordFinalized(ctx, bankA.Me(), ntx))
	}
	mineB, err = bankB.ListMine(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.Ref().String()}, ids(mineB))
	assert.Equal(t, 0, bankB.Pending())
}

func TestSignProposal_Rejections(t *testing.T) {
	tn := newTestNet(t)
	tn.addNode("BankA")
	bankB := tn.addNode("BankB")
	ctx := context.Background()

	signerA, err := signing.Generate("BankA")
	require.NoError(t, err)
	impostor, err := signing.Generate("BankC")
	require.NoError(t, err)

	bilateral := func(owner *signing.KeySigner, in models.SettlementInstruction, sign bool) *models.SignedTransition {
		rec := models.NewBilateralRecord(in, owner.Party(), bankB.Me())
		tx := models.Transition{
			Kind:            models.KindBilateral,
			Command:         models.CommandCreate,
			Produced:        []models.SettlementRecord{*rec},
			RequiredSigners: rec.Participants(),
		}
		stx := &models.SignedTransition{Transition: tx}
		if sign {
			sig, err := owner.Sign(&tx)
			require.NoError(t, err)
			stx = stx.WithSignature(sig)
		}
		return stx
	}

	t.Run("unilateral proposal", func(t *testing.T) {
		rec := models.NewUnilateralRecord(wire("x"), signerA.Party())
		tx := models.Transition{
			Kind:            models.KindUnilateral,
			Command:         models.CommandCreate,
			Produced:        []models.SettlementRecord{*rec},
			RequiredSigners: rec.Participants(),
		}
		sig, err := signerA.Sign(&tx)
		require.NoError(t, err)

		_, err = bankB.SignProposal(ctx, signerA.Party(), &models.SignedTransition{Transition: tx, Signatures: []models.Signature{sig}})
		var unexpected *contract.UnexpectedStateType
		assert.True(t, errors.As(err, &unexpected), "got %v", err)
	})

	t.Run("invalid instruction", func(t *testing.T) {
		_, err := bankB.SignProposal(ctx, signerA.Party(), bilateral(signerA, models.SettlementInstruction{Method: "CASH"}, true))
		var rejected *ValidationRejectedError
		require.True(t, errors.As(err, &rejected), "got %v", err)
		assert.Equal(t, `Unknown settlement method "CASH".`, rejected.Reason)
	})

	t.Run("caller is not the owner", func(t *testing.T) {
		_, err := bankB.SignProposal(ctx, impostor.Party(), bilateral(signerA, swift(), true))
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("owner has not signed", func(t *testing.T) {
		_, err := bankB.SignProposal(ctx, signerA.Party(), bilateral(signerA, swift(), false))
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("owner signature forged", func(t *testing.T) {
		stx := bilateral(signerA, swift(), true)
		stx.Signatures[0].Bytes[0] ^= 0xff
		_, err := bankB.SignProposal(ctx, signerA.Party(), stx)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	assert.Equal(t, 0, bankB.Pending())
}

// signedProposal builds a bilateral create owned by owner and signed by it.
func signedProposal(t *testing.T, owner *signing.KeySigner, counterparty models.Party, in models.SettlementInstruction) *models.SignedTransition {
	t.Helper()
	rec := models.NewBilateralRecord(in, owner.Party(), counterparty)
	tx := models.Transition{
		Kind:            models.KindBilateral,
		Command:         models.CommandCreate,
		Produced:        []models.SettlementRecord{*rec},
		RequiredSigners: rec.Participants(),
	}
	sig, err := owner.Sign(&tx)
	require.NoError(t, err)
	return &models.SignedTransition{Transition: tx, Signatures: []models.Signature{sig}}
}

func TestSignProposal_FailsWhenFinalityNeverArrives(t *testing.T) {
	tn := newTestNet(t)
	bankB := tn.addNodeWith("BankB", func(cfg *Config) { cfg.FinalityTimeout = 50 * time.Millisecond })
	signerA, err := signing.Generate("BankA")
	require.NoError(t, err)

	stx := signedProposal(t, signerA, bankB.Me(), swift())
	_, err = bankB.SignProposal(context.Background(), signerA.Party(), stx)
	require.NoError(t, err)
	assert.Equal(t, 1, bankB.Pending())

	require.Eventually(t, func() bool { return bankB.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	reason, failed := tn.failure(stx.Transition.ID(), RoleAcceptor)
	require.True(t, failed, "acceptor flow should reach FAILED")
	assert.Equal(t, ErrFinalityTimeout.Error(), reason)
	assert.Equal(t, []State{StateValidating, StateLocalSigned, StateFinalizing, StateFailed},
		tn.states(stx.Transition.ID(), RoleAcceptor))
}

func TestSignProposal_LateFinalityStillLands(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")
	bankB := tn.addNodeWith("BankB", func(cfg *Config) { cfg.FinalityTimeout = 20 * time.Millisecond })
	ctx := context.Background()

	tn.dropDeliveries.Store(true)
	rec, err := bankA.CreateBilateral(ctx, swift(), "BankB")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bankB.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	ntx, err := bankA.Verify(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, bankB.RecordFinalized(ctx, bankA.Me(), ntx))

	got, err := bankB.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Ref(), got.Ref())
}

func TestSignProposal_PendingTableIsBounded(t *testing.T) {
	tn := newTestNet(t)
	bankB := tn.addNodeWith("BankB", func(cfg *Config) { cfg.MaxPending = 2 })
	signerA, err := signing.Generate("BankA")
	require.NoError(t, err)
	ctx := context.Background()

	first := signedProposal(t, signerA, bankB.Me(), wire("1"))
	for _, ref := range []string{"1", "2"} {
		stx := first
		if ref != "1" {
			stx = signedProposal(t, signerA, bankB.Me(), wire(ref))
		}
		_, err := bankB.SignProposal(ctx, signerA.Party(), stx)
		require.NoError(t, err)
	}

	stx := signedProposal(t, signerA, bankB.Me(), wire("3"))
	_, err = bankB.SignProposal(ctx, signerA.Party(), stx)
	assert.ErrorIs(t, err, ErrTooManyPending)
	reason, failed := tn.failure(stx.Transition.ID(), RoleAcceptor)
	require.True(t, failed)
	assert.Equal(t, ErrTooManyPending.Error(), reason)

	// A repeated proposal replaces its earlier flow instead of taking a slot.
	_, err = bankB.SignProposal(ctx, signerA.Party(), first)
	require.NoError(t, err)
	assert.Equal(t, 2, bankB.Pending())
}

func TestRecordFinalized_RejectsUntrustedNotary(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")
	bankB := tn.addNode("BankB")
	ctx := context.Background()

	tn.dropDeliveries.Store(true)
	rec, err := bankA.CreateBilateral(ctx, swift(), "BankB")
	require.NoError(t, err)
	ntx, err := bankA.Verify(ctx, rec.ID)
	require.NoError(t, err)

	forged := *ntx
	forged.NotarySignature = append([]byte(nil), ntx.NotarySignature...)
	forged.NotarySignature[0] ^= 0xff
	assert.ErrorIs(t, bankB.RecordFinalized(ctx, bankA.Me(), &forged), ErrSignatureMismatch)

	mine, err := bankB.ListMine(ctx)
	require.NoError(t, err)
	assert.Empty(t, mine)
	assert.Equal(t, 1, bankB.Pending(), "a forged delivery does not end the pending flow")
}

func TestUnilateralLifecycle(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")
	ctx := context.Background()

	v1, err := bankA.CreateUnilateral(ctx, wire("v1"))
	require.NoError(t, err)
	assert.Equal(t, models.KindUnilateral, v1.Kind)
	assert.True(t, v1.Counterparty.IsZero())

	v2, err := bankA.Update(ctx, v1.Ref(), wire("v2"))
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v2.ID)
	assert.Equal(t, uint64(2), v2.Version)

	current, err := bankA.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", current.Instruction.Reference)

	t.Run("update of a superseded version conflicts", func(t *testing.T) {
		_, err := bankA.Update(ctx, v1.Ref(), wire("stale"))
		var conflict *OrderingConflictError
		assert.True(t, errors.As(err, &conflict), "got %v", err)
	})

	t.Run("update to an invalid instruction is rejected", func(t *testing.T) {
		_, err := bankA.Update(ctx, v2.Ref(), models.SettlementInstruction{Method: models.MethodACH})
		var rejected *ValidationRejectedError
		assert.True(t, errors.As(err, &rejected), "got %v", err)
	})

	require.NoError(t, bankA.Delete(ctx, v2.Ref()))

	_, err = bankA.Get(ctx, v1.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	mine, err := bankA.ListMine(ctx)
	require.NoError(t, err)
	assert.Empty(t, mine)

	history, err := bankA.ListAll(ctx, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{v1.Ref().String(), v2.Ref().String()}, ids(history))
	assert.Zero(t, tn.signatureRequests.Load())
}

func TestUpdate_BilateralIsRejected(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")
	bankB := tn.addNode("BankB")
	ctx := context.Background()

	rec, err := bankA.CreateBilateral(ctx, swift(), "BankB")
	require.NoError(t, err)

	for _, n := range []*Node{bankA, bankB} {
		_, err := n.Update(ctx, rec.Ref(), wire("changed"))
		var rejected *ValidationRejectedError
		require.True(t, errors.As(err, &rejected), "got %v", err)
		assert.Equal(t, "Bilateral settlement records can only be created.", rejected.Reason)

		err = n.Delete(ctx, rec.Ref())
		require.True(t, errors.As(err, &rejected), "got %v", err)
	}
}

func TestConcurrentUpdates_ExactlyOneWins(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")
	ctx := context.Background()

	v1, err := bankA.CreateUnilateral(ctx, wire("v1"))
	require.NoError(t, err)

	const writers = 4
	var (
		wg   sync.WaitGroup
		errs = make([]error, writers)
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = bankA.Update(ctx, v1.Ref(), wire(fmt.Sprintf("writer-%d", i)))
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		var conflict *OrderingConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	current, err := bankA.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Version)
}

func TestVerify_NotFound(t *testing.T) {
	tn := newTestNet(t)
	bankA := tn.addNode("BankA")

	rec := models.NewUnilateralRecord(wire("x"), bankA.Me())
	_, err := bankA.Verify(context.Background(), rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNewNode_RequiresCollaborators(t *testing.T) {
	_, err := NewNode(Config{})
	assert.Error(t, err)
}
