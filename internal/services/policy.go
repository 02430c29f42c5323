package services

import (
	"github.com/shopspring/decimal"
)

// ─── Circulation Defaults ─────────────────────────────────────────────────────

const (
	// LoanPeriodDays is the number of days a user may keep a book unless their account says otherwise.
	LoanPeriodDays = 14

	// MaxBooksAllowed is the default number of open loans per user.
	MaxBooksAllowed = 5

	// ReservationHoldDays is how long a reservation waits for approval, and after approval how
	// long the reserved copy waits on the pickup shelf.
	ReservationHoldDays = 3

	// DueSoonDays is the look-ahead window for due-soon reminders.
	DueSoonDays = 2
)

// Policy holds the tunable circulation rules.
type Policy struct {
	DefaultLoanPeriodDays int
	DefaultMaxBooks       int
	ReservationHoldDays   int
	DueSoonDays           int
	Fines                 FinePolicy
}

// FinePolicy decides fine amounts.
//
// Overdue loans are charged PerDay for every calendar day after the due date plus GraceDays,
// one record per day, until the loan's overdue total reaches CapPerLoan (zero means no cap).
// An approved reservation that expires without pickup is charged NoShow once. A lost copy is
// charged Lost once. A zero amount disables that fine type.
type FinePolicy struct {
	PerDay     decimal.Decimal
	CapPerLoan decimal.Decimal
	GraceDays  int
	NoShow     decimal.Decimal
	Lost       decimal.Decimal
}

// DefaultPolicy returns the rules used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		DefaultLoanPeriodDays: LoanPeriodDays,
		DefaultMaxBooks:       MaxBooksAllowed,
		ReservationHoldDays:   ReservationHoldDays,
		DueSoonDays:           DueSoonDays,
		Fines: FinePolicy{
			PerDay:     decimal.NewFromInt(10),
			CapPerLoan: decimal.NewFromInt(500),
			GraceDays:  0,
			NoShow:     decimal.NewFromInt(5),
			Lost:       decimal.NewFromInt(1000),
		},
	}
}
