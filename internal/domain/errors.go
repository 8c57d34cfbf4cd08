package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// ExchangeError wraps a failed exchange call. Network and rate-limit
// failures are retriable; venue rejections (bad order, insufficient
// balance) are not.
type ExchangeError struct {
	Op        string // Operation that failed (e.g., "sell", "order_status")
	Err       error  // Underlying error
	Retriable bool
}

func (e *ExchangeError) Error() string {
	return "exchange " + e.Op + ": " + e.Err.Error()
}

func (e *ExchangeError) IsRetriable() bool {
	return e.Retriable
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// NewExchangeError creates a retriable exchange error
func NewExchangeError(op string, err error) *ExchangeError {
	return &ExchangeError{Op: op, Err: err, Retriable: true}
}

// NewExchangeRejection creates a non-retriable exchange error
func NewExchangeRejection(op string, err error) *ExchangeError {
	return &ExchangeError{Op: op, Err: err, Retriable: false}
}

// StoreError wraps a failed persistence operation. The engine never proceeds
// to an exchange call past one of these; it pauses and retries the write.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) IsRetriable() bool {
	return true
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrStalePrice is returned when a price sample needed for a decision is
	// missing or older than the staleness threshold. The cycle is skipped;
	// stale data never feeds a decision.
	ErrStalePrice = errors.New("price sample is stale")

	// ErrTransitionOpen is returned when a new transition is requested while
	// another one is still open.
	ErrTransitionOpen = errors.New("a transition is already open")

	// ErrRotationHalted is returned while automatic rotation is suspended
	// pending operator attention.
	ErrRotationHalted = errors.New("rotation halted pending operator attention")

	// ErrInvariantViolation flags persisted state that contradicts itself,
	// e.g. two open transitions. Not recoverable locally.
	ErrInvariantViolation = errors.New("state invariant violation")

	// ErrOrderNotFilled is returned when an order reaches a terminal venue
	// state other than filled, or stays pending past the polling ceiling.
	ErrOrderNotFilled = errors.New("order did not fill")
)
