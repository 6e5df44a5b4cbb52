package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/weftlabs/weft/internal/coval"
	"github.com/weftlabs/weft/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testHeader(uniqueness string) coval.Header {
	return coval.Header{
		Type:       coval.TypeCoMap,
		Ruleset:    coval.Ruleset{Type: coval.RulesetUnsafeAllowAll},
		CreatedAt:  1000,
		Uniqueness: uniqueness,
	}
}

func testTxs(from, n int) []coval.Transaction {
	out := make([]coval.Transaction, n)
	for i := range out {
		out[i] = coval.Transaction{
			Privacy: coval.Trusting,
			MadeAt:  int64(1000 + from + i),
			Changes: fmt.Sprintf(`[{"op":"set","key":"k","value":%d}]`, from+i),
		}
	}
	return out
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	st.Close()
}

func TestHeaderRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	header := testHeader("u1")
	id := header.ID()

	if _, ok, err := st.Header(ctx, id); err != nil || ok {
		t.Fatalf("Header() before store = ok %v, err %v", ok, err)
	}

	if err := st.StoreHeader(ctx, header); err != nil {
		t.Fatalf("StoreHeader() error = %v", err)
	}
	// Idempotent: headers are immutable, re-storing is a no-op.
	if err := st.StoreHeader(ctx, header); err != nil {
		t.Fatalf("StoreHeader() second call error = %v", err)
	}

	got, ok, err := st.Header(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Header() = ok %v, err %v", ok, err)
	}
	if got.ID() != id {
		t.Errorf("stored header hashes to %s, want %s", got.ID(), id)
	}
	if got.Uniqueness != "u1" {
		t.Errorf("Uniqueness = %q, want %q", got.Uniqueness, "u1")
	}
}

func TestAppendTransactions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	header := testHeader("u1")
	id := header.ID()
	session := crypto.SessionID("sealer_zA/session_z1")

	if err := st.StoreHeader(ctx, header); err != nil {
		t.Fatalf("StoreHeader() error = %v", err)
	}
	if err := st.AppendTransactions(ctx, id, session, 0, testTxs(0, 3), "signature_z1"); err != nil {
		t.Fatalf("AppendTransactions() error = %v", err)
	}

	ks, err := st.KnownState(ctx, id)
	if err != nil {
		t.Fatalf("KnownState() error = %v", err)
	}
	if !ks.Header || ks.Sessions[session] != 3 {
		t.Fatalf("KnownState() = header %v, count %d; want true, 3", ks.Header, ks.Sessions[session])
	}

	// A batch that does not continue the log is refused.
	err = st.AppendTransactions(ctx, id, session, 1, testTxs(1, 2), "signature_zBad")
	if !errors.Is(err, ErrStaleAppend) {
		t.Fatalf("gapped append error = %v, want ErrStaleAppend", err)
	}

	// Continuing at the stored count succeeds.
	if err := st.AppendTransactions(ctx, id, session, 3, testTxs(3, 2), "signature_z2"); err != nil {
		t.Fatalf("continuation append error = %v", err)
	}
	ks, err = st.KnownState(ctx, id)
	if err != nil {
		t.Fatalf("KnownState() error = %v", err)
	}
	if ks.Sessions[session] != 5 {
		t.Fatalf("count after continuation = %d, want 5", ks.Sessions[session])
	}
}

func TestTransactionsInRange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	header := testHeader("u1")
	id := header.ID()
	session := crypto.SessionID("sealer_zA/session_z1")

	if err := st.StoreHeader(ctx, header); err != nil {
		t.Fatalf("StoreHeader() error = %v", err)
	}
	if err := st.AppendTransactions(ctx, id, session, 0, testTxs(0, 5), "signature_z1"); err != nil {
		t.Fatalf("AppendTransactions() error = %v", err)
	}

	txs, err := st.TransactionsInRange(ctx, id, session, 1, 4)
	if err != nil {
		t.Fatalf("TransactionsInRange() error = %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("len = %d, want 3", len(txs))
	}
	for i, tx := range txs {
		if !strings.Contains(tx.Changes, fmt.Sprintf(`"value":%d`, 1+i)) {
			t.Errorf("tx %d out of order: %s", i, tx.Changes)
		}
	}

	empty, err := st.TransactionsInRange(ctx, id, session, 5, 10)
	if err != nil {
		t.Fatalf("TransactionsInRange() past end error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("past-end range returned %d transactions", len(empty))
	}
}

func TestCheckpointsInRange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	header := testHeader("u1")
	id := header.ID()
	session := crypto.SessionID("sealer_zA/session_z1")

	if err := st.StoreHeader(ctx, header); err != nil {
		t.Fatalf("StoreHeader() error = %v", err)
	}
	// Every committed batch records its end signature as a checkpoint.
	if err := st.AppendTransactions(ctx, id, session, 0, testTxs(0, 2), "signature_z1"); err != nil {
		t.Fatalf("append 1 error = %v", err)
	}
	if err := st.AppendTransactions(ctx, id, session, 2, testTxs(2, 3), "signature_z2"); err != nil {
		t.Fatalf("append 2 error = %v", err)
	}

	cps, err := st.CheckpointsInRange(ctx, id, session, 0, 5)
	if err != nil {
		t.Fatalf("CheckpointsInRange() error = %v", err)
	}
	if len(cps) != 2 || cps[0].Count != 2 || cps[1].Count != 5 {
		t.Fatalf("checkpoints = %+v, want counts [2 5]", cps)
	}
	if cps[0].Signature != "signature_z1" || cps[1].Signature != "signature_z2" {
		t.Fatalf("checkpoint signatures = %+v", cps)
	}

	// Range bounds are (from, to].
	cps, err = st.CheckpointsInRange(ctx, id, session, 2, 5)
	if err != nil {
		t.Fatalf("CheckpointsInRange() error = %v", err)
	}
	if len(cps) != 1 || cps[0].Count != 5 {
		t.Fatalf("half-open range = %+v, want counts [5]", cps)
	}
}

func TestCoValueIDsAndSessions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	h1 := testHeader("u1")
	h2 := testHeader("u2")
	for _, h := range []coval.Header{h1, h2} {
		if err := st.StoreHeader(ctx, h); err != nil {
			t.Fatalf("StoreHeader() error = %v", err)
		}
	}

	ids, err := st.CoValueIDs(ctx)
	if err != nil {
		t.Fatalf("CoValueIDs() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}
	if ids[0] > ids[1] {
		t.Errorf("ids not sorted: %v", ids)
	}

	sessA := crypto.SessionID("sealer_zA/session_z1")
	sessB := crypto.SessionID("sealer_zB/session_z2")
	if err := st.AppendTransactions(ctx, h1.ID(), sessB, 0, testTxs(0, 1), "signature_zB"); err != nil {
		t.Fatalf("append error = %v", err)
	}
	if err := st.AppendTransactions(ctx, h1.ID(), sessA, 0, testTxs(0, 2), "signature_zA"); err != nil {
		t.Fatalf("append error = %v", err)
	}

	sums, err := st.Sessions(ctx, h1.ID())
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sums) != 2 || sums[0].Session != sessA || sums[1].Session != sessB {
		t.Fatalf("sessions = %+v, want sorted [%s %s]", sums, sessA, sessB)
	}
	if sums[0].Count != 2 || sums[0].LastSignature != "signature_zA" {
		t.Fatalf("session summary = %+v", sums[0])
	}
}
