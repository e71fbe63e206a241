package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scope identifies the tenant/workspace pair a budget applies to.
type Scope struct {
	TenantID    string
	WorkspaceID string
}

func (s Scope) String() string {
	return s.TenantID + "/" + s.WorkspaceID
}

// Period selects the window the alert threshold is evaluated against.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Config holds the spending limits for one scope. All monetary amounts are
// decimals; float arithmetic on money accumulates rounding drift.
//
// A zero limit disables that particular check.
type Config struct {
	TenantID        string
	WorkspaceID     string
	DailyLimit      decimal.Decimal
	MonthlyLimit    decimal.Decimal
	PerRequestLimit decimal.Decimal
	// AlertThreshold is the spent fraction at which the alert level turns
	// yellow. Defaults to 0.8.
	AlertThreshold float64
	// ResetPeriod anchors the alert evaluation window.
	ResetPeriod Period
}

// Scope returns the scope key this config governs.
func (c Config) Scope() Scope {
	return Scope{TenantID: c.TenantID, WorkspaceID: c.WorkspaceID}
}

const defaultAlertThreshold = 0.8

func (c Config) withDefaults() Config {
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1 {
		c.AlertThreshold = defaultAlertThreshold
	}

	if c.ResetPeriod == "" {
		c.ResetPeriod = PeriodDaily
	}

	return c
}

// CostRecord is an immutable append-only ledger entry.
type CostRecord struct {
	TransactionID string
	Scope         Scope
	Model         string
	Provider      string
	Cost          decimal.Decimal
	Tokens        int64
	Timestamp     time.Time
}

// AlertLevel classifies how close a scope is to its limits.
type AlertLevel string

const (
	AlertGreen  AlertLevel = "green"
	AlertYellow AlertLevel = "yellow"
	AlertRed    AlertLevel = "red"
)

// Status is the derived, cached view of a scope's spend.
type Status struct {
	Scope            Scope
	DailySpent       decimal.Decimal
	DailyRemaining   decimal.Decimal
	MonthlySpent     decimal.Decimal
	MonthlyRemaining decimal.Decimal
	AlertLevel       AlertLevel
	ComputedAt       time.Time
}

// AlertObserver is notified when a scope's alert level changes.
type AlertObserver interface {
	OnBudgetAlert(scope Scope, level AlertLevel, status Status)
}

// LimitKind names which limit a compliance failure violated.
type LimitKind string

const (
	LimitPerRequest LimitKind = "per_request"
	LimitDaily      LimitKind = "daily"
	LimitMonthly    LimitKind = "monthly"
)

// ErrBudgetExceeded is the sentinel matched by errors.Is for all limit violations.
var ErrBudgetExceeded = errors.New("budget exceeded")

// LimitError reports a failed compliance check. It carries which limit was
// violated and the amounts involved.
type LimitError struct {
	Scope     Scope
	Kind      LimitKind
	Limit     decimal.Decimal
	Spent     decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitError) Error() string {
	switch e.Kind {
	case LimitPerRequest:
		return fmt.Sprintf("scope %s: requested cost %s exceeds per-request limit %s",
			e.Scope, e.Requested, e.Limit)
	case LimitDaily:
		return fmt.Sprintf("scope %s: spend %s + requested %s exceeds daily limit %s",
			e.Scope, e.Spent, e.Requested, e.Limit)
	case LimitMonthly:
		return fmt.Sprintf("scope %s: spend %s + requested %s exceeds monthly limit %s",
			e.Scope, e.Spent, e.Requested, e.Limit)
	default:
		return fmt.Sprintf("scope %s: budget limit exceeded", e.Scope)
	}
}

func (e *LimitError) Unwrap() error { return ErrBudgetExceeded }
