package clienterrors

import (
	"context"
	"errors"
	"strings"
)

// Kind groups errors by how a caller is expected to react.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNetwork
	KindVerification
	KindConflict
	KindLocalResource
	KindPrecondition
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindVerification:
		return "verification"
	case KindConflict:
		return "conflict"
	case KindLocalResource:
		return "local-resource"
	case KindPrecondition:
		return "precondition"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is a coded sentinel. Its message follows "CODE|Name: description".
type Error struct {
	kind Kind
	msg  string
}

var byCode = make(map[string]*Error)

func newError(kind Kind, msg string) *Error {
	e := &Error{kind: kind, msg: msg}
	byCode[strings.SplitN(msg, "|", 2)[0]] = e
	return e
}

// FromCode returns the sentinel with code, e.g. "V1", for errors that crossed a wire.
func FromCode(code string) (*Error, bool) {
	e, ok := byCode[code]
	return e, ok
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Kind() Kind { return e.kind }

// Network (N) Errors
var (
	ErrTransport        = newError(KindNetwork, "N1|Transport: The node or prover could not be reached.")
	ErrTimeout          = newError(KindNetwork, "N2|Timeout: The remote call did not complete in time.")
	ErrRetriesExhausted = newError(KindNetwork, "N3|RetriesExhausted: A retryable call failed on every attempt.")
	ErrRemote           = newError(KindNetwork, "N4|Remote: The remote returned an unexpected error.")
)

// Verification (V) Errors
var (
	ErrInclusionProof      = newError(KindVerification, "V1|InclusionProof: An item is not included under its block commitment.")
	ErrHeaderChain         = newError(KindVerification, "V2|HeaderChain: A header does not link to its predecessor.")
	ErrChainRoot           = newError(KindVerification, "V3|ChainRoot: A header chain root does not match the authenticated history.")
	ErrCommitmentMismatch  = newError(KindVerification, "V4|CommitmentMismatch: An account snapshot does not match its commitment.")
	ErrNoteIDMismatch      = newError(KindVerification, "V5|NoteIDMismatch: Note details do not hash to the claimed note id.")
	ErrStaleResponse       = newError(KindVerification, "V6|StaleResponse: The response does not continue from the local sync height.")
	ErrGenesisMismatch     = newError(KindVerification, "V7|GenesisMismatch: The genesis header does not match the trusted hash.")
	ErrProofRejected       = newError(KindVerification, "V8|ProofRejected: The node rejected the transaction proof.")
	ErrMalformedResponse   = newError(KindVerification, "V9|MalformedResponse: The response is missing required fields.")
	ErrUntrackedBlockProof = newError(KindVerification, "V10|UntrackedBlockProof: A block path does not open to the local peaks.")
)

// Conflict (C) Errors
var (
	ErrConflict           = newError(KindConflict, "C1|Conflict: The entity changed since the scope read it.")
	ErrSubmissionConflict = newError(KindConflict, "C2|SubmissionConflict: The node rejected the transaction as stale.")
	ErrNoteNotConsumable  = newError(KindConflict, "C3|NoteNotConsumable: The note is no longer in the Committed state.")
	ErrNoteReserved       = newError(KindConflict, "C4|NoteReserved: The note is reserved by another pending transaction.")
	ErrAccountChanged     = newError(KindConflict, "C5|AccountChanged: The account state changed since execution.")
)

// Local resource (L) Errors
var (
	ErrStore       = newError(KindLocalResource, "L1|Store: The local store failed.")
	ErrStoreClosed = newError(KindLocalResource, "L2|StoreClosed: The store is closed.")
	ErrCorruptData = newError(KindLocalResource, "L3|CorruptData: A stored record could not be decoded.")
	ErrScopeDone   = newError(KindLocalResource, "L4|ScopeDone: The scope was already committed or aborted.")
)

// Precondition (P) Errors
var (
	ErrInsufficientFunds   = newError(KindPrecondition, "P1|InsufficientFunds: The account cannot cover the requested assets.")
	ErrInsufficientNotes   = newError(KindPrecondition, "P2|InsufficientNotes: No valid selection of committed, unreserved notes exists.")
	ErrMalformedRequest    = newError(KindPrecondition, "P3|MalformedRequest: The transaction request is invalid.")
	ErrAccountNotFound     = newError(KindPrecondition, "P4|AccountNotFound: The account is not tracked locally.")
	ErrNoteNotFound        = newError(KindPrecondition, "P5|NoteNotFound: The note is not known locally.")
	ErrAccountLocked       = newError(KindPrecondition, "P6|AccountLocked: The account diverged from the network and is locked.")
	ErrMissingOutputNotes  = newError(KindPrecondition, "P7|MissingOutputNotes: Execution did not produce the expected output notes.")
	ErrScriptFailed        = newError(KindPrecondition, "P8|ScriptFailed: Transaction script execution failed.")
	ErrUnsupportedIntent   = newError(KindPrecondition, "P9|UnsupportedIntent: The account interface does not support the intent.")
	ErrNotConsumable       = newError(KindPrecondition, "P10|NotConsumable: The note cannot be consumed by this account.")
	ErrTransactionNotFound = newError(KindPrecondition, "P11|TransactionNotFound: No transaction record with this id.")
	ErrInvalidTransition   = newError(KindPrecondition, "P12|InvalidTransition: The state transition is not allowed.")
)

// KindOf returns the Kind of the first coded error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// IsRetryable reports whether the caller may retry the operation unchanged.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork && !errors.Is(err, ErrRetriesExhausted)
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	var ce *Error
	errStr := err.Error()
	if errors.As(err, &ce) {
		errStr = ce.msg
	}
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	var ce *Error
	if !errors.As(err, &ce) {
		return ""
	}
	parts := strings.SplitN(ce.msg, "|", 2)
	return strings.TrimSpace(parts[0])
}
