package coval

import (
	"encoding/base64"
	"slices"

	"github.com/weftlabs/weft/internal/canonical"
	"github.com/weftlabs/weft/internal/crypto"
)

// StreamItem is one entry of a CoStream's per-session sub-log.
type StreamItem struct {
	Value   canonical.Value
	MadeAt  int64
	Session crypto.SessionID
	By      crypto.AgentID
}

// FileInfo is the start-marker metadata of a binary file stream.
type FileInfo struct {
	MimeType  string
	TotalSize int64
	FileName  string
}

// StreamState is the materialized content of a CoStream: one independent
// append-only sub-log per session, plus optional binary file framing.
type StreamState struct {
	bySession map[crypto.SessionID][]StreamItem

	file     *FileInfo
	chunks   [][]byte
	finished bool
}

func (*StreamState) coContent() {}

func reduceStream(txs []decodedTx) *StreamState {
	s := &StreamState{bySession: make(map[crypto.SessionID][]StreamItem)}
	for _, dtx := range txs {
		if dtx.redacted {
			continue
		}
		for _, op := range dtx.ops {
			switch op.Op {
			case opPush:
				v, err := op.Value()
				if err != nil {
					continue
				}
				s.bySession[dtx.session] = append(s.bySession[dtx.session], StreamItem{
					Value:   v,
					MadeAt:  dtx.madeAt,
					Session: dtx.session,
					By:      dtx.agent,
				})
			case opStart:
				s.file = &FileInfo{MimeType: op.MimeType, TotalSize: op.TotalSize, FileName: op.FileName}
				s.chunks = nil
				s.finished = false
			case opChunk:
				raw, err := base64.StdEncoding.DecodeString(op.Data)
				if err != nil {
					continue
				}
				s.chunks = append(s.chunks, raw)
			case opEnd:
				s.finished = true
			}
		}
	}
	return s
}

// Sessions returns all sessions with at least one item, sorted.
func (s *StreamState) Sessions() []crypto.SessionID {
	out := make([]crypto.SessionID, 0, len(s.bySession))
	for sess := range s.bySession {
		out = append(out, sess)
	}
	slices.Sort(out)
	return out
}

// ItemsInSession returns the raw per-session view.
func (s *StreamState) ItemsInSession(session crypto.SessionID) []StreamItem {
	return s.bySession[session]
}

// Accounts enumerates the agents that wrote to the stream, sorted. This
// is the explicit enumerable-keys accessor for the per-account view; no
// dynamic property dispatch is involved.
func (s *StreamState) Accounts() []crypto.AgentID {
	seen := make(map[crypto.AgentID]bool)
	var out []crypto.AgentID
	for _, items := range s.bySession {
		for _, item := range items {
			if !seen[item.By] {
				seen[item.By] = true
				out = append(out, item.By)
			}
		}
	}
	slices.Sort(out)
	return out
}

// LatestFor returns the most recent item an agent wrote across all of
// its sessions: the aggregated last-write-per-account view, with full
// history still retrievable through ItemsInSession.
func (s *StreamState) LatestFor(agent crypto.AgentID) (StreamItem, bool) {
	var best StreamItem
	found := false
	for _, items := range s.bySession {
		for _, item := range items {
			if item.By != agent {
				continue
			}
			if !found || item.MadeAt > best.MadeAt ||
				(item.MadeAt == best.MadeAt && item.Session > best.Session) {
				best = item
				found = true
			}
		}
	}
	return best, found
}

// File returns the file framing metadata, if a start marker was written.
func (s *StreamState) File() (FileInfo, bool) {
	if s.file == nil {
		return FileInfo{}, false
	}
	return *s.file, true
}

// IsFinished reports whether the stream's end marker arrived. Readers
// must treat an unfinished stream as partial.
func (s *StreamState) IsFinished() bool { return s.finished }

// Bytes concatenates all received chunks. The second result mirrors
// IsFinished so callers can surface partial bytes deliberately.
func (s *StreamState) Bytes() ([]byte, bool) {
	var total int
	for _, c := range s.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out, s.finished
}

// Stream is a read/write CoStream view bound to one identity and
// session.
type Stream struct {
	h *Handle
}

// State materializes the stream for this view's identity.
func (s *Stream) State() (*StreamState, error) {
	content, err := s.h.core.CurrentContent(s.h.agent)
	if err != nil {
		return nil, err
	}
	state, ok := content.(*StreamState)
	if !ok {
		return nil, wrongTypeError(s.h.core, TypeCoStream)
	}
	return state, nil
}

// Push appends a value to this session's sub-log.
func (s *Stream) Push(value canonical.Value, privacy Privacy) error {
	_, err := s.h.core.makeTransaction(s.h.agent, s.h.session, privacy, []map[string]any{
		{"op": opPush, "value": value},
	})
	return err
}

// StartFile begins binary framing with the file's metadata.
func (s *Stream) StartFile(info FileInfo, privacy Privacy) error {
	_, err := s.h.core.makeTransaction(s.h.agent, s.h.session, privacy, []map[string]any{
		{"op": opStart, "mimeType": info.MimeType, "totalSizeBytes": info.TotalSize, "fileName": info.FileName},
	})
	return err
}

// PushChunk appends one chunk of file bytes.
func (s *Stream) PushChunk(data []byte, privacy Privacy) error {
	_, err := s.h.core.makeTransaction(s.h.agent, s.h.session, privacy, []map[string]any{
		{"op": opChunk, "data": base64.StdEncoding.EncodeToString(data)},
	})
	return err
}

// EndFile writes the terminal marker.
func (s *Stream) EndFile(privacy Privacy) error {
	_, err := s.h.core.makeTransaction(s.h.agent, s.h.session, privacy, []map[string]any{
		{"op": opEnd},
	})
	return err
}
