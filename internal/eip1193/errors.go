package eip1193

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Provider error codes from EIP-1193 and EIP-3326.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
)

var (
	ErrProviderUnavailable = errors.New("no wallet provider available")
	ErrUserRejected        = errors.New("user rejected the request")
	ErrUnauthorized        = errors.New("account not authorized")
	ErrUnsupportedMethod   = errors.New("method not supported by provider")
	ErrDisconnected        = errors.New("provider disconnected")
	ErrUnknownChain        = errors.New("chain not recognized by wallet")
	ErrChainMismatch       = errors.New("transaction chain does not match provider chain")
)

// ProviderError is an error reported by the provider with its numeric code.
type ProviderError struct {
	Code    int
	Message string
	Data    any
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

func (e *ProviderError) ErrorCode() int { return e.Code }

func (e *ProviderError) ErrorData() any { return e.Data }

// Is maps provider codes onto the package sentinels so callers can use
// errors.Is without knowing the numbers.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrUserRejected:
		return e.Code == CodeUserRejected
	case ErrUnauthorized:
		return e.Code == CodeUnauthorized
	case ErrUnsupportedMethod:
		return e.Code == CodeUnsupportedMethod
	case ErrDisconnected:
		return e.Code == CodeDisconnected || e.Code == CodeChainDisconnected
	case ErrUnknownChain:
		return e.Code == CodeUnrecognizedChain
	}
	return false
}

// Normalize converts JSON-RPC errors returned by go-ethereum's rpc client into
// *ProviderError, keeping any revert data. Other errors pass through.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	out := &ProviderError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		out.Data = dataErr.ErrorData()
	}
	return out
}

// RevertReason extracts the Error(string) reason from revert data attached to
// a provider error, when there is one.
func RevertReason(err error) (string, bool) {
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Data == nil {
		return "", false
	}
	s, ok := pe.Data.(string)
	if !ok || !strings.HasPrefix(s, "0x") {
		return "", false
	}
	data, decodeErr := hexutil.Decode(s)
	if decodeErr != nil {
		return "", false
	}
	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		return "", false
	}
	return reason, true
}

// IsReverted reports whether the provider rejected a call because the
// contract reverted, as opposed to a transport failure.
func IsReverted(err error) bool {
	if _, ok := RevertReason(err); ok {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		msg := strings.ToLower(pe.Message)
		return pe.Code == 3 || strings.Contains(msg, "revert")
	}
	return false
}
