package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/repositories"
)

// BorrowLedger opens and closes loans. The user row is locked for the limit check and the
// borrowed-books counter is changed in the same transaction as the loan row.
type BorrowLedger struct {
	users repositories.UserRepository
	loans repositories.BorrowedBookRepository
	log   *zap.Logger
}

func NewBorrowLedger(users repositories.UserRepository, loans repositories.BorrowedBookRepository, log *zap.Logger) *BorrowLedger {
	return &BorrowLedger{users: users, loans: loans, log: log}
}

// LoanRequest describes a loan about to be opened. The instance must already be BORROWED.
type LoanRequest struct {
	UserID         uuid.UUID
	BookID         uuid.UUID
	InstanceID     uuid.UUID
	ReservationID  *uuid.UUID
	BorrowDate     time.Time
	LoanPeriodDays int
}

// OpenLoan records a new loan due LoanPeriodDays after the borrow date.
func (l *BorrowLedger) OpenLoan(tx *gorm.DB, req LoanRequest) (*models.BorrowedBook, error) {
	if req.LoanPeriodDays < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "loan period %d days", req.LoanPeriodDays)
	}

	user, err := l.users.GetByIDForUpdate(tx, req.UserID)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	open, err := l.loans.CountOpenByUser(tx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.BorrowedBooksCount != open {
		l.log.Error("OpenLoan: borrowed count out of sync with open loans",
			zap.Stringer("user_id", user.ID),
			zap.Int("borrowed_books_count", user.BorrowedBooksCount),
			zap.Int("open_loans", open))
		return nil, errors.Wrapf(ErrInvariantViolation, "user %s: borrowed_books_count=%d, open loans=%d", user.ID, user.BorrowedBooksCount, open)
	}
	if open >= user.MaxBooksAllowed {
		l.log.Warn("OpenLoan: borrow limit reached",
			zap.Stringer("user_id", user.ID),
			zap.Int("open_loans", open),
			zap.Int("max_books_allowed", user.MaxBooksAllowed))
		return nil, errors.Wrapf(ErrUserBorrowLimitExceeded, "%d of %d", open, user.MaxBooksAllowed)
	}

	instanceID := req.InstanceID
	loan := &models.BorrowedBook{
		ID:             uuid.New(),
		UserID:         req.UserID,
		BookID:         req.BookID,
		BookInstanceID: &instanceID,
		ReservationID:  req.ReservationID,
		BorrowDate:     req.BorrowDate,
		DueDate:        req.BorrowDate.AddDate(0, 0, req.LoanPeriodDays),
	}
	if err := l.loans.Create(tx, loan); err != nil {
		return nil, err
	}
	if err := l.users.AdjustBorrowedCount(tx, req.UserID, 1); err != nil {
		return nil, err
	}

	l.log.Info("OpenLoan: loan opened",
		zap.Stringer("loan_id", loan.ID),
		zap.Stringer("user_id", loan.UserID),
		zap.Stringer("instance_id", instanceID),
		zap.Time("due_date", loan.DueDate))
	return loan, nil
}

// CloseLoan sets the return date of an open loan. A closed loan is never reopened or
// re-dated: closing it again fails with ErrAlreadyReturned.
func (l *BorrowLedger) CloseLoan(tx *gorm.DB, loanID uuid.UUID, returnDate time.Time, lost bool) (*models.BorrowedBook, error) {
	loan, err := l.lockOpenLoan(tx, loanID)
	if err != nil {
		return nil, err
	}

	if err := l.loans.MarkReturned(tx, loan.ID, returnDate, lost); err != nil {
		return nil, notFound(err, ErrAlreadyReturned)
	}
	if err := l.users.AdjustBorrowedCount(tx, loan.UserID, -1); err != nil {
		return nil, err
	}

	loan.ReturnDate = &returnDate
	loan.IsLost = lost
	l.log.Info("CloseLoan: loan closed",
		zap.Stringer("loan_id", loan.ID),
		zap.Stringer("user_id", loan.UserID),
		zap.Bool("lost", lost),
		zap.Int("days_overdue", loan.DaysOverdue(returnDate)))
	return loan, nil
}

// lockOpenLoan locks the borrower, then the loan row, and rejects loans that are already closed.
func (l *BorrowLedger) lockOpenLoan(tx *gorm.DB, loanID uuid.UUID) (*models.BorrowedBook, error) {
	peek, err := l.loans.GetByID(tx, loanID)
	if err != nil {
		return nil, notFound(err, ErrLoanNotFound)
	}
	if _, err := l.users.GetByIDForUpdate(tx, peek.UserID); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	loan, err := l.loans.GetByIDForUpdate(tx, loanID)
	if err != nil {
		return nil, notFound(err, ErrLoanNotFound)
	}
	if loan.IsReturned() {
		l.log.Warn("CloseLoan: loan already returned",
			zap.Stringer("loan_id", loan.ID),
			zap.Time("return_date", *loan.ReturnDate))
		return nil, errors.Wrapf(ErrAlreadyReturned, "loan %s", loan.ID)
	}
	return loan, nil
}
