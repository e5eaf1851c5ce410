package storage

import (
	"math/big"
	"testing"

	"escrowd/escrow"
)

func testAddr(b byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = b
	}
	return a
}

func testEscrow(id uint64) *escrow.Escrow {
	return &escrow.Escrow{
		ID:        id,
		PartyA:    testAddr(0x01),
		PartyB:    testAddr(0x02),
		Inputs:    []escrow.AssetAmount{{Token: "TOKX", Amount: big.NewInt(100)}},
		Outputs:   []escrow.AssetAmount{{Token: "TOKY", Amount: big.NewInt(50)}},
		Deadline:  1_007_200,
		CreatedAt: 1_000_000,
		Status:    escrow.StatusCreated,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(NewMemDB())
	want := testEscrow(1)
	if err := store.EscrowPut(want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := store.EscrowGet(1)
	if !ok {
		t.Fatalf("record not found after put")
	}
	if got.ID != 1 || got.Status != escrow.StatusCreated || got.Deadline != want.Deadline {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Inputs[0].Token != "TOKX" || got.Inputs[0].Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("inputs mismatch: %+v", got.Inputs)
	}
	if _, ok := store.EscrowGet(99); ok {
		t.Fatalf("unknown id must not resolve")
	}
}

func TestStoreRejectsMalformedRecords(t *testing.T) {
	store := NewStore(NewMemDB())
	bad := testEscrow(1)
	bad.PartyB = bad.PartyA
	if err := store.EscrowPut(bad); err == nil {
		t.Fatalf("identical parties must be rejected at the store boundary")
	}
}

func TestNextEscrowIDMonotonic(t *testing.T) {
	store := NewStore(NewMemDB())
	for want := uint64(1); want <= 5; want++ {
		got, err := store.NextEscrowID()
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if got != want {
			t.Fatalf("id = %d, want %d", got, want)
		}
	}
}

func TestParticipantIndex(t *testing.T) {
	store := NewStore(NewMemDB())
	alice := testAddr(0x01)

	ids, err := store.EscrowByParticipant(alice)
	if err != nil || len(ids) != 0 {
		t.Fatalf("fresh index = (%v, %v), want empty", ids, err)
	}

	for _, id := range []uint64{3, 1, 3} {
		if err := store.EscrowIndex(alice, id); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	ids, err = store.EscrowByParticipant(alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 1 {
		t.Fatalf("index = %v, want [3 1]", ids)
	}

	bob := testAddr(0x02)
	ids, err = store.EscrowByParticipant(bob)
	if err != nil || len(ids) != 0 {
		t.Fatalf("unindexed participant = (%v, %v), want empty", ids, err)
	}
}

func TestLevelDBBackend(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	id, err := store.NextEscrowID()
	if err != nil || id != 1 {
		t.Fatalf("next id = (%d, %v), want 1", id, err)
	}
	if err := store.EscrowPut(testEscrow(id)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := store.EscrowGet(id)
	if !ok || got.ID != id {
		t.Fatalf("round trip through leveldb failed")
	}
	if _, err := db.Get([]byte("missing")); err != ErrKeyNotFound {
		t.Fatalf("missing key error = %v, want ErrKeyNotFound", err)
	}
}
