package contracts

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnconfigured means the active chain has no deployment in the address table.
	ErrUnconfigured = errors.New("no contract deployment for chain")
	// ErrNotConnected is returned for contract calls without a session and bindings.
	ErrNotConnected = errors.New("wallet not connected")
	// ErrTransactionFailed covers declined, dropped and reverted transactions.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrEventNotFound means a confirmed receipt lacks an expected event.
	ErrEventNotFound = errors.New("expected event not found in receipt")
	// ErrDataInconsistency means chain data did not have the expected shape.
	ErrDataInconsistency = errors.New("inconsistent contract data")
	// ErrTimeout means a signature prompt or confirmation wait ran out of time.
	ErrTimeout = errors.New("timed out waiting for wallet or chain")
	// ErrReverted marks a call or transaction rejected by contract code.
	ErrReverted = errors.New("execution reverted")
	// ErrStaleBindings means the wallet moved to another chain or account
	// after the handle was built.
	ErrStaleBindings = errors.New("bindings no longer match the wallet")
)

// CallError is a failed read-only contract call.
type CallError struct {
	Contract string
	Method   string
	Reason   string
	Reverted bool
	Err      error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s.%s call failed", e.Contract, e.Method)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Reverted {
		errs = append(errs, ErrReverted)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// TxError is a state-changing call that did not confirm successfully. It
// matches ErrTransactionFailed, or ErrTimeout when the wait expired, plus the
// underlying cause.
type TxError struct {
	Contract string
	Method   string
	Hash     common.Hash
	Reason   string
	Timeout  bool
	Err      error
}

func (e *TxError) Error() string {
	msg := fmt.Sprintf("%s.%s transaction failed", e.Contract, e.Method)
	if e.Timeout {
		msg = fmt.Sprintf("%s.%s transaction timed out", e.Contract, e.Method)
	}
	if e.Hash != (common.Hash{}) {
		msg += " (tx " + e.Hash.Hex() + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TxError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Timeout {
		errs = append(errs, ErrTimeout)
	} else {
		errs = append(errs, ErrTransactionFailed)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// MinedError is a transaction that was mined successfully but whose receipt
// could not be turned into a result, for example because an expected event
// is missing. The state change happened; Hash identifies it.
type MinedError struct {
	Contract string
	Method   string
	Hash     common.Hash
	Err      error
}

func (e *MinedError) Error() string {
	return fmt.Sprintf("%s.%s mined in tx %s: %v", e.Contract, e.Method, e.Hash.Hex(), e.Err)
}

func (e *MinedError) Unwrap() error { return e.Err }
