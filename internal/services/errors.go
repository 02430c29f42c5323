package services

import (
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrNotFound is the root of every "referenced entity does not exist" failure.
	ErrNotFound = errors.New("not found")

	ErrBookNotFound        = errors.Wrap(ErrNotFound, "book")
	ErrShelfNotFound       = errors.Wrap(ErrNotFound, "shelf")
	ErrUserNotFound        = errors.Wrap(ErrNotFound, "user")
	ErrInstanceNotFound    = errors.Wrap(ErrNotFound, "book instance")
	ErrReservationNotFound = errors.Wrap(ErrNotFound, "reservation")
	ErrLoanNotFound        = errors.Wrap(ErrNotFound, "loan")
	ErrFineNotFound        = errors.Wrap(ErrNotFound, "fine")

	// ErrNoCopiesAvailable is returned when every instance of a book is held or out of service.
	ErrNoCopiesAvailable = errors.New("no copies available")

	// ErrInstanceUnavailable is returned when a requested instance does not belong to the book
	// or is not available.
	ErrInstanceUnavailable = errors.New("book instance unavailable")

	// ErrInvalidState is returned when an instance is not in a state the operation can act on,
	// for example releasing an instance that nobody holds.
	ErrInvalidState = errors.New("book instance in invalid state")

	// ErrUserBorrowLimitExceeded is returned when the user already holds MaxBooksAllowed open loans.
	ErrUserBorrowLimitExceeded = errors.New("user borrow limit exceeded")

	// ErrAlreadyReturned is returned when closing a loan that is already closed.
	ErrAlreadyReturned = errors.New("loan already returned")

	// ErrAlreadyPaid is returned when paying a fine that is already paid.
	ErrAlreadyPaid = errors.New("fine already paid")

	// ErrDuplicateFine marks a fine whose dedup key is already recorded. It never reaches callers.
	ErrDuplicateFine = errors.New("duplicate fine")

	// ErrInvalidTransition is returned when a reservation cannot move to the requested state.
	ErrInvalidTransition = errors.New("invalid reservation transition")

	// ErrDuplicateReservation is returned when the user already has an active reservation for the book.
	ErrDuplicateReservation = errors.New("user already has an active reservation for this book")

	// ErrBookHasOpenLoans is returned when deleting a book that still has copies out on loan.
	ErrBookHasOpenLoans = errors.New("book has open loans")

	// ErrInvariantViolation signals that stored counters disagree with the detail records.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidArgument is returned for malformed input that never reached the store.
	ErrInvalidArgument = errors.New("invalid argument")
)

// notFound translates gorm's missing-row error into the given domain error.
func notFound(err error, domainErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainErr
	}
	return err
}

// translateStoreError maps PostgreSQL constraint failures raised by the one-holder indexes to
// the allocation error a concurrent loser would have seen under the row locks.
func translateStoreError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		switch pgErr.ConstraintName {
		case models.IndexOpenLoanPerInstance, models.IndexApprovedReservationPerInstance:
			return errors.Wrap(ErrInstanceUnavailable, pgErr.ConstraintName)
		}
	}
	return err
}

// isRetryableError reports whether the transaction lost a race the database detected and can
// simply be run again.
func isRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	return false
}
