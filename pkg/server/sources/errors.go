// Package sources provides the price source contract, shared price types and
// the source factory registry.
package sources

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPricesAvailable indicates that no prices are available from the source.
	ErrNoPricesAvailable = errors.New("no prices available")
	// ErrUnexpectedStatus indicates an unexpected HTTP status code.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status code")
	// ErrInvalidResponse indicates an invalid response from the source.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrInvalidSymbol indicates an invalid symbol.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrUnsupportedSymbol indicates that the source does not quote the symbol.
	ErrUnsupportedSymbol = errors.New("symbol not supported by source")
	// ErrSourceNotHealthy indicates that the source is not healthy.
	ErrSourceNotHealthy = errors.New("source not healthy")
	// ErrInvalidConfig indicates that the source configuration is invalid.
	ErrInvalidConfig = errors.New("invalid source configuration")
	// ErrUnknownSourceType indicates that no factory is registered for the type.
	ErrUnknownSourceType = errors.New("unknown source type")
	// ErrInvalidConfiguration indicates malformed aggregation, breaker, cache or retry settings.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidSymbolFormat indicates that the symbol format is invalid.
	ErrInvalidSymbolFormat = errors.New("symbol must be in BASE/QUOTE format")
	// ErrEmptyBaseCurrency indicates that the symbol BASE currency cannot be empty.
	ErrEmptyBaseCurrency = errors.New("symbol BASE currency cannot be empty")
	// ErrEmptyQuoteCurrency indicates that the symbol QUOTE currency cannot be empty.
	ErrEmptyQuoteCurrency = errors.New("symbol QUOTE currency cannot be empty")
)

// StatusError carries a transport status code (HTTP or equivalent) so that the
// retry policy can classify it without knowing the transport.
type StatusError struct {
	Code int
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d", ErrUnexpectedStatus, e.Code)
	}
	return fmt.Sprintf("%s: %d: %s", ErrUnexpectedStatus, e.Code, e.Body)
}

// StatusCode returns the status code.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// Unwrap lets errors.Is match ErrUnexpectedStatus.
func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}
