package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents internal error codes for cache operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeLockNotHeld     ErrorCode = 1002

	// Server errors (5xx equivalent)
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeNodeUnreachable     ErrorCode = 2001
	ErrCodeQuorumNotMet        ErrorCode = 2002
	ErrCodeLockTimeout         ErrorCode = 2003
	ErrCodeEvictionExhausted   ErrorCode = 2004
	ErrCodeRingEmpty           ErrorCode = 2005
	ErrCodeRebalanceInProgress ErrorCode = 2006
	ErrCodeCorruptedPayload    ErrorCode = 2007
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                  "OK",
	ErrCodeInvalidArgument:     "INVALID_ARGUMENT",
	ErrCodeKeyNotFound:         "KEY_NOT_FOUND",
	ErrCodeLockNotHeld:         "LOCK_NOT_HELD",
	ErrCodeInternal:            "INTERNAL_ERROR",
	ErrCodeNodeUnreachable:     "NODE_UNREACHABLE",
	ErrCodeQuorumNotMet:        "QUORUM_NOT_MET",
	ErrCodeLockTimeout:         "LOCK_TIMEOUT",
	ErrCodeEvictionExhausted:   "EVICTION_EXHAUSTED",
	ErrCodeRingEmpty:           "RING_EMPTY",
	ErrCodeRebalanceInProgress: "REBALANCE_IN_PROGRESS",
	ErrCodeCorruptedPayload:    "CORRUPTED_PAYLOAD",
}

// String returns the wire name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Sentinels for errors.Is matching. A *CacheError matches the sentinel with
// the same code regardless of message or details.
var (
	ErrInvalidArgument     = &CacheError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrKeyNotFound         = &CacheError{Code: ErrCodeKeyNotFound, Message: "key not found"}
	ErrLockNotHeld         = &CacheError{Code: ErrCodeLockNotHeld, Message: "lock not held"}
	ErrNodeUnreachable     = &CacheError{Code: ErrCodeNodeUnreachable, Message: "node unreachable"}
	ErrQuorumNotMet        = &CacheError{Code: ErrCodeQuorumNotMet, Message: "quorum not met"}
	ErrLockTimeout         = &CacheError{Code: ErrCodeLockTimeout, Message: "lock acquisition timed out"}
	ErrEvictionExhausted   = &CacheError{Code: ErrCodeEvictionExhausted, Message: "eviction exhausted"}
	ErrRingEmpty           = &CacheError{Code: ErrCodeRingEmpty, Message: "hash ring is empty"}
	ErrRebalanceInProgress = &CacheError{Code: ErrCodeRebalanceInProgress, Message: "rebalance already in progress"}
	ErrCorruptedPayload    = &CacheError{Code: ErrCodeCorruptedPayload, Message: "corrupted payload"}
)

// CacheError represents a structured error with code and context
type CacheError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CacheError carrying the same code
func (e *CacheError) Is(target error) bool {
	t, ok := target.(*CacheError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewCacheError creates a new CacheError
func NewCacheError(code ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail returns a copy of the error carrying one more detail; e is left untouched
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(key string) *CacheError {
	return NewCacheError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func NodeUnreachable(nodeID string, cause error) *CacheError {
	return NewCacheError(ErrCodeNodeUnreachable, fmt.Sprintf("node unreachable: %s", nodeID), cause).
		WithDetail("node_id", nodeID)
}

func QuorumNotMet(key string, acks, required int) *CacheError {
	return NewCacheError(ErrCodeQuorumNotMet, fmt.Sprintf("quorum not reached: %d/%d", acks, required), nil).
		WithDetail("key", key).
		WithDetail("acks", acks).
		WithDetail("required", required)
}

func LockTimeout(lockKey string, waited time.Duration, cause error) *CacheError {
	return NewCacheError(ErrCodeLockTimeout, fmt.Sprintf("lock %s not acquired after %v", lockKey, waited), cause).
		WithDetail("lock_key", lockKey).
		WithDetail("waited", waited.String())
}

func LockNotHeld(lockKey, holderID string) *CacheError {
	return NewCacheError(ErrCodeLockNotHeld, fmt.Sprintf("lock %s is not held by %s", lockKey, holderID), nil).
		WithDetail("lock_key", lockKey).
		WithDetail("holder_id", holderID)
}

func EvictionExhausted(required, budget int64) *CacheError {
	return NewCacheError(ErrCodeEvictionExhausted, fmt.Sprintf("cannot free %d bytes within budget of %d bytes", required, budget), nil).
		WithDetail("required", required).
		WithDetail("budget", budget)
}

func RingEmpty() *CacheError {
	return NewCacheError(ErrCodeRingEmpty, "no nodes registered in hash ring", nil)
}

func RebalanceInProgress(rebalanceID string) *CacheError {
	return NewCacheError(ErrCodeRebalanceInProgress, fmt.Sprintf("rebalance %s already running", rebalanceID), nil).
		WithDetail("rebalance_id", rebalanceID)
}

func CorruptedPayload(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeCorruptedPayload, message, cause)
}

func InternalError(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInternal, message, cause)
}

// IsCacheError checks if an error is a CacheError
func IsCacheError(err error) bool {
	var ce *CacheError
	return errors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}
