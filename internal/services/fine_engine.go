package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/repositories"
)

const dateLayout = "2006-01-02"

// FineEngine creates fine records and keeps User.FineAmount equal to the user's unpaid total.
// Every charge locks the user row first, then the loan row it charges for.
type FineEngine struct {
	users  repositories.UserRepository
	loans  repositories.BorrowedBookRepository
	fines  repositories.FineRepository
	policy FinePolicy
	log    *zap.Logger
}

func NewFineEngine(users repositories.UserRepository, loans repositories.BorrowedBookRepository, fines repositories.FineRepository, policy FinePolicy, log *zap.Logger) *FineEngine {
	return &FineEngine{users: users, loans: loans, fines: fines, policy: policy, log: log}
}

// firstChargeableDay is the first calendar day an overdue loan is fined for.
func (e *FineEngine) firstChargeableDay(due time.Time) time.Time {
	return startOfDay(due).AddDate(0, 0, 1+e.policy.GraceDays)
}

// ChargeOverdue records one fine per overdue calendar day of the loan up to and including
// asOfDay that has not been charged yet, respecting the per-loan cap. A loan found closed
// under the lock is skipped.
func (e *FineEngine) ChargeOverdue(tx *gorm.DB, loanID uuid.UUID, asOf time.Time) ([]models.FineRecord, error) {
	if !e.policy.PerDay.IsPositive() {
		return nil, nil
	}
	loan, err := e.lockLoan(tx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.IsReturned() {
		e.log.Info("ChargeOverdue: loan returned meanwhile, skipping",
			zap.Stringer("loan_id", loan.ID))
		return nil, nil
	}

	asOfDay := startOfDay(asOf)
	first := e.firstChargeableDay(loan.DueDate)
	if first.After(asOfDay) {
		return nil, nil
	}

	existing, err := e.fines.ListForLoan(tx, loan.ID, models.FineTypeOverdue)
	if err != nil {
		return nil, err
	}
	charged := decimal.Zero
	seen := make(map[string]struct{}, len(existing))
	for _, f := range existing {
		charged = charged.Add(f.Amount)
		seen[startOfDay(f.CalculatedForDate).Format(dateLayout)] = struct{}{}
	}

	var created []models.FineRecord
	dayNumber := 0
	for day := first; !day.After(asOfDay); day = day.AddDate(0, 0, 1) {
		dayNumber++
		if _, ok := seen[day.Format(dateLayout)]; ok {
			continue
		}
		amount := e.policy.PerDay
		if e.policy.CapPerLoan.IsPositive() {
			remaining := e.policy.CapPerLoan.Sub(charged)
			if !remaining.IsPositive() {
				break
			}
			amount = decimal.Min(amount, remaining)
		}

		fine := &models.FineRecord{
			ID:                uuid.New(),
			UserID:            loan.UserID,
			ReservationID:     loan.ReservationID,
			BorrowedBookID:    &loan.ID,
			Amount:            amount,
			Reason:            fmt.Sprintf("Overdue day %d (%s)", dayNumber, day.Format(dateLayout)),
			FineType:          models.FineTypeOverdue,
			CalculatedForDate: day,
		}
		ok, err := e.insert(tx, fine)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := e.loans.AddFine(tx, loan.ID, amount); err != nil {
			return nil, err
		}
		charged = charged.Add(amount)
		created = append(created, *fine)
	}

	if len(created) == 0 {
		return nil, nil
	}
	if err := e.refreshUserFine(tx, loan.UserID); err != nil {
		return nil, err
	}
	e.log.Info("ChargeOverdue: overdue fines recorded",
		zap.Stringer("loan_id", loan.ID),
		zap.Stringer("user_id", loan.UserID),
		zap.Int("records", len(created)),
		zap.String("loan_total", charged.StringFixed(2)))
	return created, nil
}

// ChargeNoShow fines an approved reservation that expired without pickup. The fine is keyed
// on the expiration day, so a rerun yields nothing.
func (e *FineEngine) ChargeNoShow(tx *gorm.DB, reservation *models.Reservation) (*models.FineRecord, error) {
	if !e.policy.NoShow.IsPositive() {
		return nil, nil
	}
	if _, err := e.users.GetByIDForUpdate(tx, reservation.UserID); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	reservationID := reservation.ID
	day := startOfDay(reservation.ExpirationDate)
	fine := &models.FineRecord{
		ID:                uuid.New(),
		UserID:            reservation.UserID,
		ReservationID:     &reservationID,
		Amount:            e.policy.NoShow,
		Reason:            fmt.Sprintf("Reservation not picked up by %s", day.Format(dateLayout)),
		FineType:          models.FineTypeNoShow,
		CalculatedForDate: day,
	}
	return e.chargeFlat(tx, fine)
}

// ChargeLost fines a loan reported lost. The loan must be locked by the caller.
func (e *FineEngine) ChargeLost(tx *gorm.DB, loan *models.BorrowedBook, at time.Time) (*models.FineRecord, error) {
	if !e.policy.Lost.IsPositive() {
		return nil, nil
	}
	if _, err := e.users.GetByIDForUpdate(tx, loan.UserID); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	loanID := loan.ID
	day := startOfDay(at)
	fine := &models.FineRecord{
		ID:                uuid.New(),
		UserID:            loan.UserID,
		ReservationID:     loan.ReservationID,
		BorrowedBookID:    &loanID,
		Amount:            e.policy.Lost,
		Reason:            fmt.Sprintf("Copy reported lost on %s", day.Format(dateLayout)),
		FineType:          models.FineTypeLost,
		CalculatedForDate: day,
	}
	created, err := e.chargeFlat(tx, fine)
	if err != nil || created == nil {
		return created, err
	}
	if err := e.loans.AddFine(tx, loan.ID, fine.Amount); err != nil {
		return nil, err
	}
	return created, nil
}

// PayFine marks an unpaid fine as paid and lowers the user's balance accordingly.
func (e *FineEngine) PayFine(tx *gorm.DB, fineID uuid.UUID, paidAt time.Time) (*models.FineRecord, error) {
	fine, err := e.fines.GetByIDForUpdate(tx, fineID)
	if err != nil {
		return nil, notFound(err, ErrFineNotFound)
	}
	if fine.IsPaid {
		e.log.Warn("PayFine: fine already paid",
			zap.Stringer("fine_id", fine.ID),
			zap.Timep("paid_at", fine.PaidAt))
		return nil, errors.Wrapf(ErrAlreadyPaid, "fine %s", fine.ID)
	}
	if _, err := e.users.GetByIDForUpdate(tx, fine.UserID); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	if err := e.fines.MarkPaid(tx, fine.ID, paidAt); err != nil {
		return nil, notFound(err, ErrAlreadyPaid)
	}
	if err := e.refreshUserFine(tx, fine.UserID); err != nil {
		return nil, err
	}

	fine.IsPaid = true
	fine.PaidAt = &paidAt
	e.log.Info("PayFine: fine paid",
		zap.Stringer("fine_id", fine.ID),
		zap.Stringer("user_id", fine.UserID),
		zap.String("amount", fine.Amount.StringFixed(2)))
	return fine, nil
}

func (e *FineEngine) chargeFlat(tx *gorm.DB, fine *models.FineRecord) (*models.FineRecord, error) {
	ok, err := e.insert(tx, fine)
	if err != nil || !ok {
		return nil, err
	}
	if err := e.refreshUserFine(tx, fine.UserID); err != nil {
		return nil, err
	}
	e.log.Info("fine recorded",
		zap.Stringer("fine_id", fine.ID),
		zap.Stringer("user_id", fine.UserID),
		zap.String("type", string(fine.FineType)),
		zap.String("amount", fine.Amount.StringFixed(2)))
	return fine, nil
}

// insert stores the fine unless its dedup key is taken. A taken key is the expected outcome
// of a rerun and reports false without an error.
func (e *FineEngine) insert(tx *gorm.DB, fine *models.FineRecord) (bool, error) {
	key := repositories.FineKey{
		ReservationID:     fine.ReservationID,
		BorrowedBookID:    fine.BorrowedBookID,
		CalculatedForDate: fine.CalculatedForDate,
		FineType:          fine.FineType,
	}
	exists, err := e.fines.Exists(tx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		err = e.fines.Create(tx, fine)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, repositories.ErrFineExists) {
			return false, err
		}
	}
	e.log.Debug("fine already recorded",
		zap.Error(ErrDuplicateFine),
		zap.String("type", string(fine.FineType)),
		zap.Time("calculated_for_date", fine.CalculatedForDate))
	return false, nil
}

func (e *FineEngine) lockLoan(tx *gorm.DB, loanID uuid.UUID) (*models.BorrowedBook, error) {
	peek, err := e.loans.GetByID(tx, loanID)
	if err != nil {
		return nil, notFound(err, ErrLoanNotFound)
	}
	if _, err := e.users.GetByIDForUpdate(tx, peek.UserID); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	loan, err := e.loans.GetByIDForUpdate(tx, loanID)
	if err != nil {
		return nil, notFound(err, ErrLoanNotFound)
	}
	return loan, nil
}

// refreshUserFine recomputes the user's balance from the unpaid fine records.
func (e *FineEngine) refreshUserFine(tx *gorm.DB, userID uuid.UUID) error {
	total, err := e.fines.SumUnpaidByUser(tx, userID)
	if err != nil {
		return err
	}
	return e.users.SetFineAmount(tx, userID, total)
}
