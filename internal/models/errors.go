package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDuplicateClientOrderID means the broker already holds an order with
	// this client order id
	ErrDuplicateClientOrderID = errors.New("client order id already in use")
	// ErrOrderNotFound means the broker has no order for the requested id
	ErrOrderNotFound = errors.New("order not found")
)

// TransientBrokerError is a network or timeout failure worth retrying
type TransientBrokerError struct {
	Op  string
	Err error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("transient broker error during %s: %v", e.Op, e.Err)
}

func (e *TransientBrokerError) Unwrap() error { return e.Err }

// RejectedOrderError is a business rejection; never retried
type RejectedOrderError struct {
	Symbol        string
	ClientOrderID string
	Reason        string
}

func (e *RejectedOrderError) Error() string {
	return fmt.Sprintf("order %s for %s rejected: %s", e.ClientOrderID, e.Symbol, e.Reason)
}

// AuthError means the broker refused our credentials
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("broker authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FatalConfigError aborts startup
type FatalConfigError struct {
	Err error
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *FatalConfigError) Unwrap() error { return e.Err }

// DataGapWarning marks a pair whose legs have gone stale
type DataGapWarning struct {
	PairID string
	Symbol string
	Since  time.Time
}

func (e *DataGapWarning) Error() string {
	return fmt.Sprintf("market data for %s (pair %s) stale since %s", e.Symbol, e.PairID, e.Since.Format(time.RFC3339))
}

// DiscrepancyKind classifies a reconciliation finding
type DiscrepancyKind string

const (
	PositionMismatch   DiscrepancyKind = "position_mismatch"
	UnknownBrokerOrder DiscrepancyKind = "unknown_broker_order"
	MissingBrokerOrder DiscrepancyKind = "missing_broker_order"
)

// Discrepancy is one difference between local and broker state
type Discrepancy struct {
	Kind          DiscrepancyKind `json:"kind"`
	Symbol        string          `json:"symbol"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Local         string          `json:"local"`
	Broker        string          `json:"broker"`
	At            time.Time       `json:"at"`
}

func (d Discrepancy) String() string {
	if d.ClientOrderID != "" {
		return fmt.Sprintf("%s %s order=%s local=%s broker=%s", d.Kind, d.Symbol, d.ClientOrderID, d.Local, d.Broker)
	}
	return fmt.Sprintf("%s %s local=%s broker=%s", d.Kind, d.Symbol, d.Local, d.Broker)
}

// ReconciliationMismatch wraps the discrepancies found in one pass. The session
// keeps running; local state has already been corrected.
type ReconciliationMismatch struct {
	Discrepancies []Discrepancy
}

func (e *ReconciliationMismatch) Error() string {
	parts := make([]string, 0, len(e.Discrepancies))
	for _, d := range e.Discrepancies {
		parts = append(parts, d.String())
	}
	return fmt.Sprintf("reconciliation found %d discrepancies: %s", len(e.Discrepancies), strings.Join(parts, "; "))
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	var t *TransientBrokerError
	return errors.As(err, &t)
}

// IsRejected reports whether err is a business rejection
func IsRejected(err error) bool {
	var r *RejectedOrderError
	return errors.As(err, &r)
}

// IsFatal reports whether err must terminate the process
func IsFatal(err error) bool {
	var cfgErr *FatalConfigError
	var authErr *AuthError
	return errors.As(err, &cfgErr) || errors.As(err, &authErr)
}
