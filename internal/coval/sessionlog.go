package coval

import (
	"slices"

	"github.com/weftlabs/weft/internal/canonical"
	"github.com/weftlabs/weft/internal/crypto"
)

// MaxRecommendedTxSize is the accumulated transaction byte size after
// which a session log records a signature checkpoint. Checkpoints bound
// how much of a log tail has to be re-verified during partial sync, and
// they are the boundaries content messages are segmented at.
const MaxRecommendedTxSize = 100 * 1024

const domainTxLog = "weft/txlog/v1"

// SessionLog is the append-only transaction log of one (CoValue,
// session) pair. The log keeps a running hash chain over the canonical
// bytes of every transaction; lastSignature signs the current chain tip
// and therefore covers the whole log.
type SessionLog struct {
	txs           []Transaction
	lastSignature crypto.Signature
	// checkpoints maps a transaction count to the signature covering
	// exactly that prefix of the log.
	checkpoints map[int]crypto.Signature
	chainTip    string
	// bytesSinceCheckpoint accumulates canonical transaction bytes since
	// the last checkpoint (or the log start).
	bytesSinceCheckpoint int
}

func newSessionLog(id ID, session crypto.SessionID) *SessionLog {
	return &SessionLog{
		checkpoints: make(map[int]crypto.Signature),
		chainTip:    chainSeed(id, session),
	}
}

// chainSeed binds the hash chain to one CoValue and session, so a log
// prefix can never be replayed under a different identity.
func chainSeed(id ID, session crypto.SessionID) string {
	return canonical.HashBytes(domainTxLog, []byte(string(id)+"\x00"+string(session)))
}

func chainNext(tip string, txBytes []byte) string {
	data := make([]byte, 0, len(tip)+1+len(txBytes))
	data = append(data, tip...)
	data = append(data, 0x00)
	data = append(data, txBytes...)
	return canonical.HashBytes(domainTxLog, data)
}

// Count returns the number of transactions in the log.
func (l *SessionLog) Count() int { return len(l.txs) }

// Transactions returns the log's transactions. The returned slice is
// shared; callers must not mutate it.
func (l *SessionLog) Transactions() []Transaction { return l.txs }

// LastSignature returns the signature covering the whole log.
func (l *SessionLog) LastSignature() crypto.Signature { return l.lastSignature }

// CheckpointCounts returns the transaction counts at which signature
// checkpoints were recorded, ascending.
func (l *SessionLog) CheckpointCounts() []int {
	counts := make([]int, 0, len(l.checkpoints))
	for c := range l.checkpoints {
		counts = append(counts, c)
	}
	slices.Sort(counts)
	return counts
}

// CheckpointSignature returns the checkpoint signature at the given
// transaction count, if one was recorded there.
func (l *SessionLog) CheckpointSignature(count int) (crypto.Signature, bool) {
	sig, ok := l.checkpoints[count]
	return sig, ok
}

// append extends the log with pre-verified transactions and the
// signature covering the extended log, then applies checkpoint
// bookkeeping. Callers must have verified the signature against the
// chain tip these transactions produce.
func (l *SessionLog) append(txs []Transaction, txBytes [][]byte, tip string, sig crypto.Signature) {
	l.txs = append(l.txs, txs...)
	l.chainTip = tip
	l.lastSignature = sig
	for _, b := range txBytes {
		l.bytesSinceCheckpoint += len(b)
	}
	if l.bytesSinceCheckpoint > MaxRecommendedTxSize {
		l.checkpoints[len(l.txs)] = sig
		l.bytesSinceCheckpoint = 0
	}
}

// SessionPatch is one session's slice of new content for a peer that
// already knows the first After transactions. LastSignature covers the
// log up to and including the last transaction in NewTransactions, so
// every patch is independently verifiable.
type SessionPatch struct {
	Session         crypto.SessionID
	After           int
	NewTransactions []Transaction
	LastSignature   crypto.Signature
}

// chunksSince slices the log tail beyond after into one or more patches,
// starting a new patch whenever a recorded signature checkpoint is
// crossed.
func (l *SessionLog) chunksSince(session crypto.SessionID, after int) []SessionPatch {
	if after >= len(l.txs) {
		return nil
	}
	if after < 0 {
		after = 0
	}
	var patches []SessionPatch
	start := after
	for _, count := range l.CheckpointCounts() {
		if count <= start {
			continue
		}
		if count >= len(l.txs) {
			break
		}
		patches = append(patches, SessionPatch{
			Session:         session,
			After:           start,
			NewTransactions: slices.Clone(l.txs[start:count]),
			LastSignature:   l.checkpoints[count],
		})
		start = count
	}
	if start < len(l.txs) {
		patches = append(patches, SessionPatch{
			Session:         session,
			After:           start,
			NewTransactions: slices.Clone(l.txs[start:]),
			LastSignature:   l.lastSignature,
		})
	}
	return patches
}
