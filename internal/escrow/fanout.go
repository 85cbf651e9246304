package escrow

import (
	"errors"
	"fmt"
	"strings"

	"tradechain/internal/contracts"
)

// IndexError is one failed read of a fan-out.
type IndexError struct {
	Index int
	ID    uint64
	Err   error
}

// FanoutError lists every failed read of a concurrent fan-out. Reads that
// succeeded are returned alongside it.
type FanoutError struct {
	Op     string
	Failed []IndexError
}

func (e *FanoutError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("[%d] %v", f.Index, f.Err))
	}
	return fmt.Sprintf("%s: %d failed: %s", e.Op, len(e.Failed), strings.Join(parts, "; "))
}

func (e *FanoutError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// Indices returns the positions that failed.
func (e *FanoutError) Indices() []int {
	out := make([]int, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Index)
	}
	return out
}

// missingOnly reports whether every failure means the data is not there,
// as opposed to the read itself failing.
func (e *FanoutError) missingOnly() bool {
	for _, f := range e.Failed {
		if !errors.Is(f.Err, contracts.ErrReverted) && !errors.Is(f.Err, contracts.ErrDataInconsistency) {
			return false
		}
	}
	return true
}
