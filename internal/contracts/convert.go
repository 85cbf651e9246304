package contracts

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Output converts the i-th value returned by Call into T, the way generated
// bindings do. A missing value or a shape that does not fit T is reported as
// ErrDataInconsistency instead of panicking.
func Output[T any](out []any, i int) (v T, err error) {
	if i < 0 || i >= len(out) {
		return v, fmt.Errorf("%w: missing output %d of %d", ErrDataInconsistency, i, len(out))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: output %d: %v", ErrDataInconsistency, i, r)
		}
	}()
	return *abi.ConvertType(out[i], new(T)).(*T), nil
}
