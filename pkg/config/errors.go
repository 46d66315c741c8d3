package config

import "errors"

var (
	// ErrInvalidDuration indicates a duration value that cannot be parsed.
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrHTTPAddrRequired indicates that server.http.addr is empty.
	ErrHTTPAddrRequired = errors.New("server.http.addr must be specified")
	// ErrTLSConfigIncomplete indicates that TLS config is incomplete.
	ErrTLSConfigIncomplete = errors.New("TLS cert and key must be specified when TLS is enabled")
	// ErrTLSCertNotFound indicates that the TLS cert file was not found.
	ErrTLSCertNotFound = errors.New("TLS cert file not found")
	// ErrTLSKeyNotFound indicates that the TLS key file was not found.
	ErrTLSKeyNotFound = errors.New("TLS key file not found")
	// ErrNegativeInterval indicates a negative poll interval or request timeout.
	ErrNegativeInterval = errors.New("interval must be >= 0")
	// ErrInvalidSymbol indicates a malformed symbol in server.symbols.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrInvalidStrategy indicates that the aggregation strategy is unknown.
	ErrInvalidStrategy = errors.New("invalid aggregation strategy")
	// ErrInvalidSection indicates that a core configuration section failed validation.
	ErrInvalidSection = errors.New("invalid configuration section")
	// ErrNoSourcesConfigured indicates that no price sources are configured.
	ErrNoSourcesConfigured = errors.New("at least one price source must be configured")
	// ErrNoSourcesEnabled indicates that no sources are enabled.
	ErrNoSourcesEnabled = errors.New("no sources enabled")
	// ErrSourceTypeRequired indicates that source type is required.
	ErrSourceTypeRequired = errors.New("source type is required")
	// ErrSourceNameRequired indicates that source name is required.
	ErrSourceNameRequired = errors.New("source name is required")
	// ErrDuplicateSourceName indicates that two sources share a name.
	ErrDuplicateSourceName = errors.New("duplicate source name")
	// ErrSourceWeightMustBeNonNegative indicates that source weight must be >= 0.
	ErrSourceWeightMustBeNonNegative = errors.New("weight must be >= 0")
	// ErrInvalidLogLevel indicates that the log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidLogFormat indicates that the log format is invalid.
	ErrInvalidLogFormat = errors.New("invalid log format")
)
