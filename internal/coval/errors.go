package coval

import (
	"errors"
	"fmt"

	"github.com/weftlabs/weft/internal/crypto"
)

// RejectedReason categorizes why an append was refused.
type RejectedReason string

const (
	// BadIndex indicates the transaction does not continue the session
	// log exactly at lastIndex+1.
	BadIndex RejectedReason = "BAD_INDEX"

	// BadSignature indicates the cumulative signature does not cover the
	// log including the new transactions.
	BadSignature RejectedReason = "BAD_SIGNATURE"

	// PermissionDenied indicates the writer has no write capability on
	// this CoValue at the time of the append.
	PermissionDenied RejectedReason = "PERMISSION_DENIED"

	// DecryptionUnavailable indicates a private transaction references a
	// read key this node cannot resolve.
	DecryptionUnavailable RejectedReason = "DECRYPTION_UNAVAILABLE"
)

// RejectedError reports a refused append with enough structure for the
// caller to decide whether to resync, drop the peer, or surface the
// failure.
type RejectedError struct {
	Reason  RejectedReason
	Message string
	CoValue ID
	Session crypto.SessionID
	Index   int
}

func (e *RejectedError) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("%s: %s (covalue=%s, session=%s, index=%d)", e.Reason, e.Message, e.CoValue, e.Session, e.Index)
	}
	return fmt.Sprintf("%s: %s (covalue=%s)", e.Reason, e.Message, e.CoValue)
}

// ReasonOf extracts the rejection reason from an error chain, or "" if
// the error is not a rejection.
func ReasonOf(err error) RejectedReason {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// IsBadIndex reports whether err is a BadIndex rejection.
func IsBadIndex(err error) bool { return ReasonOf(err) == BadIndex }

// IsBadSignature reports whether err is a BadSignature rejection.
func IsBadSignature(err error) bool { return ReasonOf(err) == BadSignature }

// IsPermissionDenied reports whether err is a PermissionDenied rejection.
func IsPermissionDenied(err error) bool { return ReasonOf(err) == PermissionDenied }

func rejected(reason RejectedReason, id ID, session crypto.SessionID, index int, format string, args ...any) *RejectedError {
	return &RejectedError{
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
		CoValue: id,
		Session: session,
		Index:   index,
	}
}
