package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/notifications"
)

// ─── Reservation State Machine ────────────────────────────────────────────────

// reservationTransitions lists the persisted moves. OVERDUE is derived from the due date and
// never stored, so it has no entry.
var reservationTransitions = map[models.ReservationStatus][]models.ReservationStatus{
	models.ReservationStatusProcessing: {
		models.ReservationStatusApproved,
		models.ReservationStatusCancelled,
		models.ReservationStatusCancelledByUser,
		models.ReservationStatusExpired,
	},
	models.ReservationStatusApproved: {
		models.ReservationStatusIssued,
		models.ReservationStatusCancelled,
		models.ReservationStatusCancelledByUser,
		models.ReservationStatusExpired,
	},
	models.ReservationStatusIssued: {
		models.ReservationStatusReturned,
	},
}

// CanTransition reports whether a reservation may move from one stored status to another.
func CanTransition(from, to models.ReservationStatus) bool {
	for _, next := range reservationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(r *models.Reservation, to models.ReservationStatus) error {
	if !CanTransition(r.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "reservation %s: %s -> %s", r.ID, r.Status, to)
	}
	return nil
}

// lockReservation locks the reservation's book, then the reservation row. Every reservation
// transition takes the locks in this order, the same order the allocator uses.
func (s *libraryService) lockReservation(tx *gorm.DB, reservationID uuid.UUID) (*models.Reservation, error) {
	peek, err := s.repos.Reservations.GetByID(tx, reservationID)
	if err != nil {
		return nil, notFound(err, ErrReservationNotFound)
	}
	if _, err := s.repos.Books.GetByIDForUpdate(tx, peek.BookID); err != nil {
		return nil, notFound(err, ErrBookNotFound)
	}
	rv, err := s.repos.Reservations.GetByIDForUpdate(tx, reservationID)
	if err != nil {
		return nil, notFound(err, ErrReservationNotFound)
	}
	return rv, nil
}

// ─── Reservations ─────────────────────────────────────────────────────────────

// CreateReservation files a PROCESSING claim on a book. No copy is bound until a librarian
// approves it. The claim lapses ReservationHoldDays after creation.
func (s *libraryService) CreateReservation(ctx context.Context, userID, bookID uuid.UUID, notes string) (*models.Reservation, error) {
	var rv *models.Reservation
	err := s.inTx(ctx, "CreateReservation", func(tx *gorm.DB, out *outbox) error {
		if _, err := s.repos.Books.GetByID(tx, bookID); err != nil {
			return notFound(err, ErrBookNotFound)
		}
		if _, err := s.repos.Users.GetByIDForUpdate(tx, userID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		active, err := s.repos.Reservations.CountActiveForUserAndBook(tx, userID, bookID)
		if err != nil {
			return err
		}
		if active > 0 {
			s.log.Warn("CreateReservation: duplicate reservation",
				zap.Stringer("user_id", userID),
				zap.Stringer("book_id", bookID))
			return ErrDuplicateReservation
		}

		now := s.now()
		rv = &models.Reservation{
			ID:              uuid.New(),
			UserID:          userID,
			BookID:          bookID,
			ReservationDate: now,
			ExpirationDate:  now.AddDate(0, 0, s.policy.ReservationHoldDays),
			Status:          models.ReservationStatusProcessing,
			Notes:           strings.TrimSpace(notes),
		}
		if err := s.repos.Reservations.Create(tx, rv); err != nil {
			return err
		}
		out.add(userID, notifications.TypeReservationCreated, reservationPayload(rv))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("CreateReservation: reservation created",
		zap.Stringer("reservation_id", rv.ID),
		zap.Stringer("user_id", userID),
		zap.Stringer("book_id", bookID),
		zap.Time("expiration_date", rv.ExpirationDate))
	return rv, nil
}

// ApproveReservation binds an available copy to the reservation and restarts the hold period
// as the pickup window.
func (s *libraryService) ApproveReservation(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	var rv *models.Reservation
	err := s.inTx(ctx, "ApproveReservation", func(tx *gorm.DB, out *outbox) error {
		var err error
		rv, err = s.lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if err := checkTransition(rv, models.ReservationStatusApproved); err != nil {
			return err
		}
		now := s.now()
		if !now.Before(rv.ExpirationDate) {
			return errors.Wrapf(ErrInvalidTransition, "reservation %s expired at %s", rv.ID, rv.ExpirationDate.Format(dateLayout))
		}

		instance, err := s.alloc.Allocate(tx, rv.BookID, nil, models.BookInstanceStatusReserved)
		if err != nil {
			return err
		}
		rv.BookInstanceID = &instance.ID
		rv.Status = models.ReservationStatusApproved
		rv.ExpirationDate = now.AddDate(0, 0, s.policy.ReservationHoldDays)
		if err := s.repos.Reservations.Save(tx, rv); err != nil {
			return err
		}
		p := reservationPayload(rv)
		p["instance_code"] = instance.InstanceCode
		out.add(rv.UserID, notifications.TypeReservationApproved, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ApproveReservation: reservation approved",
		zap.Stringer("reservation_id", rv.ID),
		zap.Stringer("instance_id", *rv.BookInstanceID),
		zap.Time("pickup_until", rv.ExpirationDate))
	return rv, nil
}

// IssueReservation hands the reserved copy to the user and opens the loan.
func (s *libraryService) IssueReservation(ctx context.Context, reservationID uuid.UUID) (*models.BorrowedBook, error) {
	var loan *models.BorrowedBook
	err := s.inTx(ctx, "IssueReservation", func(tx *gorm.DB, out *outbox) error {
		rv, err := s.lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if err := checkTransition(rv, models.ReservationStatusIssued); err != nil {
			return err
		}
		now := s.now()
		if now.After(rv.ExpirationDate) {
			return errors.Wrapf(ErrInvalidTransition, "reservation %s pickup window closed at %s", rv.ID, rv.ExpirationDate.Format(dateLayout))
		}
		if rv.BookInstanceID == nil {
			return errors.Wrapf(ErrInvalidState, "reservation %s has no bound copy", rv.ID)
		}

		user, err := s.repos.Users.GetByID(tx, rv.UserID)
		if err != nil {
			return notFound(err, ErrUserNotFound)
		}
		instance, err := s.alloc.Promote(tx, *rv.BookInstanceID)
		if err != nil {
			return err
		}
		loan, err = s.ledger.OpenLoan(tx, LoanRequest{
			UserID:         rv.UserID,
			BookID:         rv.BookID,
			InstanceID:     instance.ID,
			ReservationID:  &rv.ID,
			BorrowDate:     now,
			LoanPeriodDays: s.loanPeriod(user),
		})
		if err != nil {
			return err
		}

		rv.Status = models.ReservationStatusIssued
		rv.BorrowedBookID = &loan.ID
		rv.DueDate = &loan.DueDate
		if err := s.repos.Reservations.Save(tx, rv); err != nil {
			return err
		}
		out.add(rv.UserID, notifications.TypeBookIssued, loanPayload(loan))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("IssueReservation: copy issued",
		zap.Stringer("reservation_id", reservationID),
		zap.Stringer("loan_id", loan.ID),
		zap.Time("due_date", loan.DueDate))
	return loan, nil
}

// CancelReservation cancels a reservation that has not been issued yet, putting a bound copy
// back on the shelf. byUser selects CANCELLED_BY_USER over the staff CANCELLED status.
func (s *libraryService) CancelReservation(ctx context.Context, reservationID uuid.UUID, byUser bool) (*models.Reservation, error) {
	target := models.ReservationStatusCancelled
	if byUser {
		target = models.ReservationStatusCancelledByUser
	}

	var rv *models.Reservation
	err := s.inTx(ctx, "CancelReservation", func(tx *gorm.DB, out *outbox) error {
		var err error
		rv, err = s.lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if err := checkTransition(rv, target); err != nil {
			return err
		}
		if err := s.releaseHold(tx, rv); err != nil {
			return err
		}
		rv.Status = target
		if err := s.repos.Reservations.Save(tx, rv); err != nil {
			return err
		}
		out.add(rv.UserID, notifications.TypeReservationCancelled, reservationPayload(rv))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("CancelReservation: reservation cancelled",
		zap.Stringer("reservation_id", rv.ID),
		zap.String("status", string(rv.Status)))
	return rv, nil
}

func (s *libraryService) GetReservation(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	rv, err := s.repos.Reservations.GetByID(s.db.WithContext(ctx), reservationID)
	if err != nil {
		return nil, notFound(err, ErrReservationNotFound)
	}
	return rv, nil
}

func (s *libraryService) ListUserReservations(ctx context.Context, userID uuid.UUID) ([]models.Reservation, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.repos.Users.GetByID(db, userID); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return s.repos.Reservations.ListByUser(db, userID)
}

// expireReservation moves a reservation whose expiration date is not after asOf to EXPIRED.
// Rows that changed since the sweep listed them are skipped. An approved reservation gives
// its copy back and is fined as a no-show.
func (s *libraryService) expireReservation(ctx context.Context, reservationID uuid.UUID, asOf time.Time) ([]models.FineRecord, error) {
	var fines []models.FineRecord
	err := s.inTx(ctx, "ExpireReservation", func(tx *gorm.DB, out *outbox) error {
		fines = nil
		rv, err := s.lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if !CanTransition(rv.Status, models.ReservationStatusExpired) || rv.ExpirationDate.After(asOf) {
			return nil
		}
		wasApproved := rv.Status == models.ReservationStatusApproved
		if err := s.releaseHold(tx, rv); err != nil {
			return err
		}
		rv.Status = models.ReservationStatusExpired
		if err := s.repos.Reservations.Save(tx, rv); err != nil {
			return err
		}
		out.addOnce(rv.UserID, notifications.TypeReservationExpired, "reservation-expired:"+rv.ID.String(), reservationPayload(rv))

		if wasApproved {
			fine, err := s.fines.ChargeNoShow(tx, rv)
			if err != nil {
				return err
			}
			if fine != nil {
				fines = append(fines, *fine)
			}
		}
		out.addFines(fines)
		s.log.Info("ExpireReservation: reservation expired",
			zap.Stringer("reservation_id", rv.ID),
			zap.Bool("was_approved", wasApproved))
		return nil
	})
	return fines, err
}

// releaseHold returns the copy bound to an approved reservation. A processing reservation has
// none.
func (s *libraryService) releaseHold(tx *gorm.DB, rv *models.Reservation) error {
	if rv.Status != models.ReservationStatusApproved || rv.BookInstanceID == nil {
		return nil
	}
	_, err := s.alloc.Release(tx, *rv.BookInstanceID)
	return err
}

func (s *libraryService) loanPeriod(user *models.User) int {
	if user.LoanPeriodDays > 0 {
		return user.LoanPeriodDays
	}
	return s.policy.DefaultLoanPeriodDays
}
