package storage

import (
	"context"
	"log/slog"
	"slices"

	"github.com/weftlabs/weft/internal/coval"
	"github.com/weftlabs/weft/internal/crypto"
	"github.com/weftlabs/weft/internal/wire"
)

// PeerID is the peer name a storage-backed peer reports to its node.
const PeerID = "storage"

// NewPeer presents the store as a server-role peer: the node announces
// everything it loads, the store persists it, and loads are answered
// from disk. Acknowledgments (known messages) are sent only after the
// enclosing database transaction commits, so a peer that has seen our
// known state can rely on the content being durable.
//
// Closing the returned peer stops the serving goroutine.
func NewPeer(st *Store, log *slog.Logger) *wire.Peer {
	toStorage := make(chan wire.Message, 256)
	toNode := make(chan wire.Message, 256)
	sp := &servePeer{store: st, log: log, out: toNode}
	go sp.run(toStorage)
	return wire.NewPeer(PeerID, wire.RoleServer, toNode, toStorage, nil)
}

type servePeer struct {
	store *Store
	log   *slog.Logger
	out   chan<- wire.Message
}

func (sp *servePeer) run(in <-chan wire.Message) {
	defer close(sp.out)
	ctx := context.Background()
	for msg := range in {
		sp.handle(ctx, msg)
	}
}

func (sp *servePeer) handle(ctx context.Context, msg wire.Message) {
	switch t := msg.(type) {
	case *wire.LoadMessage:
		sp.handleLoad(ctx, t)
	case *wire.ContentMessage:
		sp.handleContent(ctx, t)
	case *wire.KnownMessage, *wire.DoneMessage:
		// The store keeps authoritative counts in the database; nothing
		// to track here.
	}
}

// handleLoad answers from disk: stored known state, then every
// transaction the node is missing in checkpoint-sized batches, then
// done.
func (sp *servePeer) handleLoad(ctx context.Context, msg *wire.LoadMessage) {
	ks, err := sp.store.KnownState(ctx, msg.ID)
	if err != nil {
		sp.log.Error("storage load failed", "id", msg.ID, "err", err)
		return
	}
	sp.out <- wire.KnownFromState(ks, false, "")
	if !ks.Header {
		return
	}

	sessions, err := sp.store.Sessions(ctx, msg.ID)
	if err != nil {
		sp.log.Error("storage load failed", "id", msg.ID, "err", err)
		return
	}

	needHeader := !msg.Header
	for _, sum := range sessions {
		after := msg.Sessions[sum.Session]
		if after >= sum.Count {
			continue
		}
		batches, err := sp.sessionBatches(ctx, msg.ID, sum, after)
		if err != nil {
			sp.log.Error("storage load failed",
				"id", msg.ID, "session", sum.Session, "err", err)
			return
		}
		for _, b := range batches {
			out := &wire.ContentMessage{
				ID:  msg.ID,
				New: map[crypto.SessionID]wire.SessionNewContent{sum.Session: b},
			}
			if needHeader {
				header, ok, err := sp.store.Header(ctx, msg.ID)
				if err != nil || !ok {
					sp.log.Error("storage load failed", "id", msg.ID, "err", err)
					return
				}
				out.Header = &header
				needHeader = false
			}
			sp.out <- out
		}
	}

	if needHeader {
		// Header-only CoValue, or the node already had every transaction.
		header, ok, err := sp.store.Header(ctx, msg.ID)
		if err != nil || !ok {
			sp.log.Error("storage load failed", "id", msg.ID, "err", err)
			return
		}
		sp.out <- &wire.ContentMessage{
			ID:     msg.ID,
			Header: &header,
			New:    map[crypto.SessionID]wire.SessionNewContent{},
		}
	}
	sp.out <- &wire.DoneMessage{ID: msg.ID}
}

// sessionBatches slices a stored session log after the given count into
// batches whose end signatures are on disk: the stored checkpoints, with
// the session's latest signature closing the final batch.
func (sp *servePeer) sessionBatches(ctx context.Context, id coval.ID, sum SessionSummary, after int) ([]wire.SessionNewContent, error) {
	cps, err := sp.store.CheckpointsInRange(ctx, id, sum.Session, after, sum.Count)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 || cps[len(cps)-1].Count != sum.Count {
		cps = append(cps, Checkpoint{Count: sum.Count, Signature: sum.LastSignature})
	}

	var out []wire.SessionNewContent
	from := after
	for _, cp := range cps {
		txs, err := sp.store.TransactionsInRange(ctx, id, sum.Session, from, cp.Count)
		if err != nil {
			return nil, err
		}
		out = append(out, wire.SessionNewContent{
			After:           from,
			LastSignature:   cp.Signature,
			NewTransactions: txs,
		})
		from = cp.Count
	}
	return out, nil
}

// handleContent persists incoming content. The store trusts its own
// node: signature verification happened when the node accepted the
// transactions, and local writes are self-signed. Batches that assume
// more than is stored trigger a correction so the node resends from the
// stored count.
func (sp *servePeer) handleContent(ctx context.Context, msg *wire.ContentMessage) {
	if msg.Header != nil {
		if msg.Header.ID() != msg.ID {
			sp.log.Warn("content header does not hash to its id", "id", msg.ID)
			return
		}
		if err := sp.store.StoreHeader(ctx, *msg.Header); err != nil {
			sp.log.Error("storage write failed", "id", msg.ID, "err", err)
			return
		}
	}

	ks, err := sp.store.KnownState(ctx, msg.ID)
	if err != nil {
		sp.log.Error("storage write failed", "id", msg.ID, "err", err)
		return
	}
	if !ks.Header {
		// Content for a CoValue whose header was never stored; ask the
		// node to restart from nothing.
		sp.out <- wire.KnownFromState(coval.EmptyKnownState(msg.ID), true, "")
		return
	}

	invalidAssumptions := false
	for _, session := range sortedSessions(msg.New) {
		sc := msg.New[session]
		count := ks.Sessions[session]
		switch {
		case sc.After > count:
			invalidAssumptions = true
		case sc.After+len(sc.NewTransactions) <= count:
			// Already stored; redelivery is fine.
		default:
			drop := count - sc.After
			err := sp.store.AppendTransactions(ctx, msg.ID, session, count, sc.NewTransactions[drop:], sc.LastSignature)
			if err != nil {
				sp.log.Error("storage write failed",
					"id", msg.ID, "session", session, "err", err)
				continue
			}
			ks.Advance(session, sc.After+len(sc.NewTransactions))
		}
	}

	stored, err := sp.store.KnownState(ctx, msg.ID)
	if err != nil {
		sp.log.Error("storage write failed", "id", msg.ID, "err", err)
		return
	}
	sp.out <- wire.KnownFromState(stored, invalidAssumptions, "")
}

func sortedSessions(m map[crypto.SessionID]wire.SessionNewContent) []crypto.SessionID {
	out := make([]crypto.SessionID, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
