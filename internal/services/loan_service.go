package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/notifications"
)

// ─── Borrow ───────────────────────────────────────────────────────────────────

// BorrowBook lends a copy straight from the shelf, without a reservation. With
// preferredInstanceID the user asks for that specific copy.
func (s *libraryService) BorrowBook(ctx context.Context, userID, bookID uuid.UUID, preferredInstanceID *uuid.UUID) (*models.BorrowedBook, error) {
	var loan *models.BorrowedBook
	err := s.inTx(ctx, "BorrowBook", func(tx *gorm.DB, out *outbox) error {
		user, err := s.repos.Users.GetByID(tx, userID)
		if err != nil {
			return notFound(err, ErrUserNotFound)
		}
		instance, err := s.alloc.Allocate(tx, bookID, preferredInstanceID, models.BookInstanceStatusBorrowed)
		if err != nil {
			return err
		}
		loan, err = s.ledger.OpenLoan(tx, LoanRequest{
			UserID:         userID,
			BookID:         bookID,
			InstanceID:     instance.ID,
			BorrowDate:     s.now(),
			LoanPeriodDays: s.loanPeriod(user),
		})
		if err != nil {
			return err
		}
		p := loanPayload(loan)
		p["instance_code"] = instance.InstanceCode
		out.add(userID, notifications.TypeBookIssued, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("BorrowBook: loan created",
		zap.Stringer("loan_id", loan.ID),
		zap.Stringer("user_id", userID),
		zap.Stringer("book_id", bookID),
		zap.Time("due_date", loan.DueDate))
	return loan, nil
}

// ─── Return ───────────────────────────────────────────────────────────────────

// ReturnLoan implements the transactional return flow.
//
// Steps (all in one transaction):
//  1. Lock the book row, then the user and loan rows.
//  2. Charge overdue days not yet fined, up to today.
//  3. Close the loan; a closed loan fails with ErrAlreadyReturned.
//  4. Put the copy back on the shelf.
//  5. Move the reservation the loan came from to RETURNED.
func (s *libraryService) ReturnLoan(ctx context.Context, loanID uuid.UUID) (*models.BorrowedBook, error) {
	return s.closeLoan(ctx, "ReturnLoan", loanID, false)
}

// ReportLost closes the loan as lost. The copy is marked LOST instead of going back on the
// shelf, and the lost-copy fine is charged on top of any overdue days.
func (s *libraryService) ReportLost(ctx context.Context, loanID uuid.UUID) (*models.BorrowedBook, error) {
	return s.closeLoan(ctx, "ReportLost", loanID, true)
}

func (s *libraryService) closeLoan(ctx context.Context, op string, loanID uuid.UUID, lost bool) (*models.BorrowedBook, error) {
	var loan *models.BorrowedBook
	err := s.inTx(ctx, op, func(tx *gorm.DB, out *outbox) error {
		peek, err := s.repos.BorrowedBooks.GetByID(tx, loanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		if peek.IsReturned() {
			s.log.Warn(op+": loan already returned",
				zap.Stringer("loan_id", loanID),
				zap.Time("return_date", *peek.ReturnDate))
			return errors.Wrapf(ErrAlreadyReturned, "loan %s", loanID)
		}
		if _, err := s.repos.Books.GetByIDForUpdate(tx, peek.BookID); err != nil {
			return notFound(err, ErrBookNotFound)
		}

		now := s.now()
		fines, err := s.fines.ChargeOverdue(tx, loanID, now)
		if err != nil {
			return err
		}
		closed, err := s.ledger.CloseLoan(tx, loanID, now, lost)
		if err != nil {
			return err
		}

		if closed.BookInstanceID != nil {
			if lost {
				_, err = s.alloc.MarkLost(tx, *closed.BookInstanceID)
			} else {
				_, err = s.alloc.Release(tx, *closed.BookInstanceID)
			}
			if err != nil {
				return err
			}
		}
		if lost {
			fine, err := s.fines.ChargeLost(tx, closed, now)
			if err != nil {
				return err
			}
			if fine != nil {
				fines = append(fines, *fine)
			}
		}
		if err := s.completeReservation(tx, closed); err != nil {
			return err
		}

		loan, err = s.repos.BorrowedBooks.GetByID(tx, loanID)
		if err != nil {
			return err
		}
		typ := notifications.TypeBookReturned
		if lost {
			typ = notifications.TypeBookLost
		}
		p := loanPayload(loan)
		p["fine_amount"] = loan.FineAmount.StringFixed(2)
		out.add(loan.UserID, typ, p)
		out.addFines(fines)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(op+": loan closed",
		zap.Stringer("loan_id", loan.ID),
		zap.Stringer("user_id", loan.UserID),
		zap.Int("days_overdue", loan.DaysOverdue(s.now())),
		zap.String("fine_amount", loan.FineAmount.StringFixed(2)))
	return loan, nil
}

// completeReservation moves the reservation a closed loan was issued from to RETURNED.
func (s *libraryService) completeReservation(tx *gorm.DB, loan *models.BorrowedBook) error {
	if loan.ReservationID == nil {
		return nil
	}
	rv, err := s.repos.Reservations.GetByIDForUpdate(tx, *loan.ReservationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if err := checkTransition(rv, models.ReservationStatusReturned); err != nil {
		return err
	}
	rv.Status = models.ReservationStatusReturned
	rv.ActualReturnDate = loan.ReturnDate
	return s.repos.Reservations.Save(tx, rv)
}

// ─── Queries ──────────────────────────────────────────────────────────────────

func (s *libraryService) GetLoan(ctx context.Context, loanID uuid.UUID) (*models.BorrowedBook, error) {
	loan, err := s.repos.BorrowedBooks.GetByID(s.db.WithContext(ctx), loanID)
	if err != nil {
		return nil, notFound(err, ErrLoanNotFound)
	}
	return loan, nil
}

// ListUserLoans returns all loans (open and past) of a user, newest first.
func (s *libraryService) ListUserLoans(ctx context.Context, userID uuid.UUID) ([]models.BorrowedBook, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.repos.Users.GetByID(db, userID); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return s.repos.BorrowedBooks.ListByUser(db, userID)
}
