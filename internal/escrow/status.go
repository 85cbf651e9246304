package escrow

import (
	"fmt"
	"strings"
)

// OrderStatus mirrors the escrow contract's order enum.
type OrderStatus uint8

const (
	OrderCreated OrderStatus = iota
	OrderFunded
	OrderInProgress
	OrderMilestoneComplete
	OrderDisputed
	OrderCompleted
	OrderCancelled
	OrderRefunded
)

var orderStatusNames = [...]string{
	"Created", "Funded", "InProgress", "MilestoneComplete",
	"Disputed", "Completed", "Cancelled", "Refunded",
}

func (s OrderStatus) String() string {
	if int(s) < len(orderStatusNames) {
		return orderStatusNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

func (s OrderStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OrderStatus) UnmarshalText(text []byte) error {
	v, err := ParseOrderStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseOrderStatus accepts a status name in any case.
func ParseOrderStatus(name string) (OrderStatus, error) {
	for i, n := range orderStatusNames {
		if strings.EqualFold(n, name) {
			return OrderStatus(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown order status %q", ErrInvalidRequest, name)
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderRefunded
}

// MilestoneStatus mirrors the escrow contract's milestone enum.
type MilestoneStatus uint8

const (
	MilestonePending MilestoneStatus = iota
	MilestoneInProgress
	MilestoneSubmitted
	MilestoneApproved
	MilestoneRejected
)

var milestoneStatusNames = [...]string{"Pending", "InProgress", "Submitted", "Approved", "Rejected"}

func (s MilestoneStatus) String() string {
	if int(s) < len(milestoneStatusNames) {
		return milestoneStatusNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

func (s MilestoneStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MilestoneStatus) UnmarshalText(text []byte) error {
	for i, n := range milestoneStatusNames {
		if strings.EqualFold(n, string(text)) {
			*s = MilestoneStatus(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown milestone status %q", ErrInvalidRequest, text)
}
