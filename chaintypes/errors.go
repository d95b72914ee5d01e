package chaintypes

import "github.com/pkg/errors"

// Sentinel errors compared with errors.Cause/errors.Is per the §7 error
// taxonomy: decode errors are never wrapped away from these so callers can
// distinguish "skip and continue" from "fail the whole block".
var (
	ErrUnknownParent     = errors.New("chaintypes: unknown parent block")
	ErrMalformedPayload  = errors.New("chaintypes: malformed block payload")
	ErrEmptySyntheticTx  = errors.New("chaintypes: synthetic bitcoin-origin tx has no events")
	ErrUnsupportedTxKind = errors.New("chaintypes: unsupported transaction kind")
)
