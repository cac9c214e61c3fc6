package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies expected failures by behaviour, not by type name.
type ErrorKind string

const (
	// KindValidation - bad input; surfaced as a 4xx-style result.
	KindValidation ErrorKind = "validation"
	// KindNotFound - referenced entity does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindStateConflict - operation disallowed in the entity's current state.
	KindStateConflict ErrorKind = "state_conflict"
	// KindRiskBlocked - a pre-trade gate failed.
	KindRiskBlocked ErrorKind = "risk_blocked"
	// KindBroker - broker failure, transient or permanent.
	KindBroker ErrorKind = "broker"
	// KindStore - corruption, disk full; fatal for the current operation.
	KindStore ErrorKind = "store"
	// KindUpstream - price or news upstream failure; degrades, never propagates.
	KindUpstream ErrorKind = "upstream"
)

// Error is the engine-level error carrying a kind and, for risk blocks,
// the failing gate name.
type Error struct {
	Kind      ErrorKind
	Gate      string // set for KindRiskBlocked
	Transient bool   // set for KindBroker timeouts / connection failures
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Gate != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Gate, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err is not a domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err is a domain error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Validationf builds a validation error.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// StateConflictf builds a state-conflict error.
func StateConflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

// RiskBlockedf builds a risk-blocked error naming the failing gate.
func RiskBlockedf(gate, format string, args ...interface{}) *Error {
	return &Error{Kind: KindRiskBlocked, Gate: gate, Message: fmt.Sprintf(format, args...)}
}

// BrokerErr wraps a broker failure. Transient failures may be retried by
// scheduled jobs; callers see both the same way.
func BrokerErr(transient bool, message string, err error) *Error {
	return &Error{Kind: KindBroker, Transient: transient, Message: message, Err: err}
}

// StoreErr wraps a store failure.
func StoreErr(message string, err error) *Error {
	return &Error{Kind: KindStore, Message: message, Err: err}
}

// Upstreamf builds an upstream error.
func Upstreamf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUpstream, Message: fmt.Sprintf(format, args...)}
}
