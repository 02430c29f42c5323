package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/notifications"
)

// ─── Overdue Sweep ────────────────────────────────────────────────────────────

// RunOverdueSweep evaluates every pending reservation and open loan as of asOf:
//
//   - reservations whose expiration date has passed become EXPIRED (approved ones are
//     fined as no-shows and give their copy back);
//   - overdue loans are fined for each overdue day not charged yet;
//   - loans due within DueSoonDays get a reminder, overdue loans a daily notice.
//
// Each reservation and loan is handled in its own transaction, so one failure does not undo
// the rest; failures are collected and returned together with the fines that were created.
// Running the sweep again for the same day creates nothing new.
func (s *libraryService) RunOverdueSweep(ctx context.Context, asOf time.Time) ([]models.FineRecord, error) {
	asOf = asOf.UTC()
	asOfDay := startOfDay(asOf)
	db := s.db.WithContext(ctx)

	var created []models.FineRecord
	var errs error

	pending, err := s.repos.Reservations.ListPendingExpiry(db, asOf)
	if err != nil {
		s.log.Error("RunOverdueSweep: failed to list reservations", zap.Error(err))
		return nil, err
	}
	expired := 0
	for _, rv := range pending {
		if err := ctx.Err(); err != nil {
			return created, multierr.Append(errs, err)
		}
		fines, err := s.expireReservation(ctx, rv.ID, asOf)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		expired++
		created = append(created, fines...)
	}

	loans, err := s.repos.BorrowedBooks.ListOpen(db)
	if err != nil {
		s.log.Error("RunOverdueSweep: failed to list open loans", zap.Error(err))
		return created, multierr.Append(errs, err)
	}
	dueSoonUntil := asOf.AddDate(0, 0, s.policy.DueSoonDays)
	overdue := 0
	for i := range loans {
		if err := ctx.Err(); err != nil {
			return created, multierr.Append(errs, err)
		}
		loan := &loans[i]
		switch {
		case loan.IsOverdue(asOf):
			overdue++
			fines, err := s.chargeOverdueLoan(ctx, loan.ID, asOf, asOfDay)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			created = append(created, fines...)
		case s.policy.DueSoonDays > 0 && !loan.DueDate.After(dueSoonUntil):
			p := loanPayload(loan)
			p["days_left"] = int(loan.DueDate.Sub(asOf).Hours() / 24)
			s.dispatch(ctx, []notifications.Event{{
				UserID:   loan.UserID,
				Type:     notifications.TypeDueSoon,
				Payload:  p,
				DedupKey: "due-soon:" + loan.ID.String(),
			}})
		}
	}

	s.log.Info("RunOverdueSweep: sweep finished",
		zap.Time("as_of", asOf),
		zap.Int("reservations_checked", len(pending)),
		zap.Int("reservations_processed", expired),
		zap.Int("loans_open", len(loans)),
		zap.Int("loans_overdue", overdue),
		zap.Int("fines_created", len(created)),
		zap.Int("errors", len(multierr.Errors(errs))))
	return created, errs
}

// chargeOverdueLoan fines one overdue loan in its own transaction and sends the daily
// overdue notice. A loan returned since it was listed yields nothing.
func (s *libraryService) chargeOverdueLoan(ctx context.Context, loanID uuid.UUID, asOf, asOfDay time.Time) ([]models.FineRecord, error) {
	var fines []models.FineRecord
	err := s.inTx(ctx, "ChargeOverdue", func(tx *gorm.DB, out *outbox) error {
		var err error
		fines, err = s.fines.ChargeOverdue(tx, loanID, asOf)
		if err != nil {
			return err
		}
		loan, err := s.repos.BorrowedBooks.GetByID(tx, loanID)
		if err != nil {
			return err
		}
		if loan.IsReturned() {
			return nil
		}
		p := loanPayload(loan)
		p["days_overdue"] = loan.DaysOverdue(asOf)
		p["fine_amount"] = loan.FineAmount.StringFixed(2)
		out.addOnce(loan.UserID, notifications.TypeOverdue, "overdue:"+loan.ID.String()+":"+asOfDay.Format(dateLayout), p)
		out.addFines(fines)
		return nil
	})
	return fines, err
}

// ─── Fines ────────────────────────────────────────────────────────────────────

// PayFine marks a fine as paid. Paying it twice fails with ErrAlreadyPaid.
func (s *libraryService) PayFine(ctx context.Context, fineID uuid.UUID) (*models.FineRecord, error) {
	var fine *models.FineRecord
	err := s.inTx(ctx, "PayFine", func(tx *gorm.DB, out *outbox) error {
		var err error
		fine, err = s.fines.PayFine(tx, fineID, s.now())
		if err != nil {
			return err
		}
		out.add(fine.UserID, notifications.TypeFinePaid, finePayload(*fine))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fine, nil
}

func (s *libraryService) ListUserFines(ctx context.Context, userID uuid.UUID) ([]models.FineRecord, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.repos.Users.GetByID(db, userID); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return s.repos.Fines.ListByUser(db, userID)
}
