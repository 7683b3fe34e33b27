package storage

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Condition is the crossing direction a mark waits for.
type Condition string

const (
	// Above triggers once the rate reaches or exceeds the target.
	Above Condition = "above"
	// Below triggers once the rate reaches or falls under the target.
	Below Condition = "below"
)

// ParseCondition accepts the stored spelling in any case.
func ParseCondition(raw string) (Condition, error) {
	switch c := Condition(strings.ToLower(strings.TrimSpace(raw))); c {
	case Above, Below:
		return c, nil
	default:
		return "", fmt.Errorf("unknown mark condition %q", raw)
	}
}

// Mark is a user's request to be notified when the rate crosses TargetRate.
type Mark struct {
	ID         int64
	OwnerID    int64
	TargetRate decimal.Decimal
	Condition  Condition
	IsActive   bool
}

// TriggeredBy reports whether rate satisfies the mark. Equality triggers both directions.
// Inactive marks never trigger.
func (m Mark) TriggeredBy(rate decimal.Decimal) bool {
	if !m.IsActive {
		return false
	}
	switch m.Condition {
	case Above:
		return rate.GreaterThanOrEqual(m.TargetRate)
	case Below:
		return rate.LessThanOrEqual(m.TargetRate)
	default:
		return false
	}
}

// MarkFilter narrows ListMarks.
type MarkFilter struct {
	ActiveOnly bool
	OwnerID    int64
	Limit      int
}
