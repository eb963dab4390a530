package sqlite

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/storage"
)

func testParty(t *testing.T, name string) models.Party {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return models.Party{Name: name, PublicKey: pub}
}

func notarise(tx models.Transition, seq uint64) *models.NotarisedTransition {
	return &models.NotarisedTransition{
		Signed:   models.SignedTransition{Transition: tx},
		Sequence: seq,
	}
}

func createTx(rec *models.SettlementRecord) models.Transition {
	return models.Transition{
		Kind:            rec.Kind,
		Command:         models.CommandCreate,
		Produced:        []models.SettlementRecord{*rec},
		RequiredSigners: rec.Participants(),
	}
}

func TestSQLiteStore(t *testing.T) {
	// Create temp directory for test database
	tempDir, err := os.MkdirTemp("", "settlementd-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "test.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	bankA := testParty(t, "BankA")
	bankB := testParty(t, "BankB")
	bankC := testParty(t, "BankC")

	t.Run("Record then Get returns the same instruction", func(t *testing.T) {
		original := models.NewBilateralRecord(models.SettlementInstruction{
			Method:          models.MethodACH,
			BeneficiaryName: "Acme",
			BankCode:        "021000021",
			Institution:     "Chase",
			AdditionalCode:  "CHASUS33",
			Account:         models.Int64(123456),
			RoutingNumber:   models.Int64(21000021),
			Attention:       "Treasury",
			Reference:       "INV-1",
		}, bankA, bankB)

		if err := store.Record(ctx, notarise(createTx(original), 1)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}

		retrieved, err := store.Get(ctx, original.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if retrieved.ID != original.ID {
			t.Errorf("ID mismatch: got %s, want %s", retrieved.ID, original.ID)
		}
		if retrieved.Kind != models.KindBilateral {
			t.Errorf("Kind mismatch: got %s, want %s", retrieved.Kind, models.KindBilateral)
		}
		if !retrieved.Instruction.Equal(original.Instruction) {
			t.Errorf("Instruction mismatch: got %+v, want %+v", retrieved.Instruction, original.Instruction)
		}
		if !retrieved.Owner.Equal(bankA) || !retrieved.Counterparty.Equal(bankB) {
			t.Errorf("Participants mismatch: got %s/%s", retrieved.Owner, retrieved.Counterparty)
		}
	})

	t.Run("Record is idempotent", func(t *testing.T) {
		rec := models.NewUnilateralRecord(models.SettlementInstruction{Method: models.MethodWIRE}, bankC)
		ntx := notarise(createTx(rec), 2)
		for i := 0; i < 2; i++ {
			if err := store.Record(ctx, ntx); err != nil {
				t.Fatalf("Record attempt %d failed: %v", i+1, err)
			}
		}
		all, err := store.ListOwnedBy(ctx, "BankC", storage.ListOptions{})
		if err != nil {
			t.Fatalf("ListOwnedBy failed: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("Expected 1 record, got %d", len(all))
		}
	})

	t.Run("GetTransaction returns the stored transition", func(t *testing.T) {
		rec := models.NewUnilateralRecord(models.SettlementInstruction{Method: models.MethodSWIFT, Reference: "tx"}, bankA)
		ntx := notarise(createTx(rec), 3)
		ntx.NotarySignature = []byte{1, 2, 3}
		if err := store.Record(ctx, ntx); err != nil {
			t.Fatalf("Record failed: %v", err)
		}

		got, err := store.GetTransaction(ctx, ntx.ID())
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if got.ID() != ntx.ID() {
			t.Errorf("Transaction ID mismatch: got %s, want %s", got.ID(), ntx.ID())
		}
		if got.Sequence != 3 {
			t.Errorf("Sequence mismatch: got %d, want 3", got.Sequence)
		}

		producer, err := store.ProducedBy(ctx, rec.Ref())
		if err != nil {
			t.Fatalf("ProducedBy failed: %v", err)
		}
		if producer != ntx.ID() {
			t.Errorf("ProducedBy mismatch: got %s, want %s", producer, ntx.ID())
		}
	})

	t.Run("Update supersedes and Delete removes current version", func(t *testing.T) {
		v1 := models.NewUnilateralRecord(models.SettlementInstruction{Method: models.MethodWIRE, Reference: "v1"}, bankA)
		if err := store.Record(ctx, notarise(createTx(v1), 4)); err != nil {
			t.Fatalf("Record create failed: %v", err)
		}

		v2 := v1.NextVersion(models.SettlementInstruction{Method: models.MethodWIRE, Reference: "v2"})
		update := models.Transition{
			Kind:            models.KindUnilateral,
			Command:         models.CommandUpdate,
			Consumed:        []models.SettlementRecord{*v1},
			Produced:        []models.SettlementRecord{*v2},
			RequiredSigners: []models.Party{bankA},
		}
		if err := store.Record(ctx, notarise(update, 5)); err != nil {
			t.Fatalf("Record update failed: %v", err)
		}

		current, err := store.Get(ctx, v1.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if current.Version != 2 || current.Instruction.Reference != "v2" {
			t.Errorf("Expected version 2 with reference v2, got %d/%s", current.Version, current.Instruction.Reference)
		}

		old, err := store.GetVersion(ctx, v1.Ref())
		if err != nil {
			t.Fatalf("GetVersion failed: %v", err)
		}
		if old.Instruction.Reference != "v1" {
			t.Errorf("Expected superseded version to keep reference v1, got %s", old.Instruction.Reference)
		}

		history, err := store.ListAll(ctx, storage.ListOptions{IncludeHistory: true})
		if err != nil {
			t.Fatalf("ListAll failed: %v", err)
		}
		versions := 0
		for _, rec := range history {
			if rec.ID == v1.ID {
				versions++
			}
		}
		if versions != 2 {
			t.Errorf("Expected 2 versions in history, got %d", versions)
		}

		// Consuming v1 again must fail: it is already consumed by the update.
		replay := update
		replay.Produced = []models.SettlementRecord{*v1.NextVersion(models.SettlementInstruction{Method: models.MethodACH})}
		if err := store.Record(ctx, notarise(replay, 6)); err == nil {
			t.Error("Expected error recording a second consumption of v1")
		}

		del := models.Transition{
			Kind:            models.KindUnilateral,
			Command:         models.CommandDelete,
			Consumed:        []models.SettlementRecord{*v2},
			RequiredSigners: []models.Party{bankA},
		}
		if err := store.Record(ctx, notarise(del, 7)); err != nil {
			t.Fatalf("Record delete failed: %v", err)
		}
		if _, err := store.Get(ctx, v1.ID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("Get returns error for nonexistent record", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.New())
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		_, err = store.GetTransaction(ctx, "nonexistent-id")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestListFilters(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "filters.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	bankA := testParty(t, "BankA")
	bankB := testParty(t, "BankB")

	records := []*models.SettlementRecord{
		models.NewUnilateralRecord(models.SettlementInstruction{Method: models.MethodWIRE}, bankA),
		models.NewBilateralRecord(models.SettlementInstruction{Method: models.MethodSWIFT}, bankA, bankB),
		models.NewBilateralRecord(models.SettlementInstruction{Method: models.MethodSWIFT}, bankB, bankA),
		models.NewUnilateralRecord(models.SettlementInstruction{Method: models.MethodWIRE}, bankB),
	}
	for i, rec := range records {
		if err := store.Record(ctx, notarise(createTx(rec), uint64(i+1))); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	tests := []struct {
		name string
		list func() ([]*models.SettlementRecord, error)
		want int
	}{
		{"all", func() ([]*models.SettlementRecord, error) {
			return store.ListAll(ctx, storage.ListOptions{})
		}, 4},
		{"all bilateral", func() ([]*models.SettlementRecord, error) {
			return store.ListAll(ctx, storage.ListOptions{Kind: models.KindBilateral})
		}, 2},
		{"owned by BankA", func() ([]*models.SettlementRecord, error) {
			return store.ListOwnedBy(ctx, "BankA", storage.ListOptions{})
		}, 2},
		{"owned by BankA bilateral", func() ([]*models.SettlementRecord, error) {
			return store.ListOwnedBy(ctx, "BankA", storage.ListOptions{Kind: models.KindBilateral})
		}, 1},
		{"BankA participates", func() ([]*models.SettlementRecord, error) {
			return store.ListByParticipant(ctx, "BankA", storage.ListOptions{})
		}, 3},
		{"BankB participates bilateral", func() ([]*models.SettlementRecord, error) {
			return store.ListByParticipant(ctx, "BankB", storage.ListOptions{Kind: models.KindBilateral})
		}, 2},
		{"unknown party", func() ([]*models.SettlementRecord, error) {
			return store.ListByParticipant(ctx, "Nobody", storage.ListOptions{})
		}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.list()
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}
}
