package repositories

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

// ErrFineExists is returned by FineRepository.Create when a fine with the same dedup key
// was inserted concurrently.
var ErrFineExists = errors.New("fine already recorded for key")

type fineRepository struct {
	db *gorm.DB
}

func NewFineRepository(db *gorm.DB) FineRepository {
	return &fineRepository{db: db}
}

// Create inserts the fine unless one of the dedup indexes already holds its key. The insert
// uses ON CONFLICT DO NOTHING so a lost race never aborts the surrounding transaction.
func (r *fineRepository) Create(db *gorm.DB, fine *models.FineRecord) error {
	res := orDefault(db, r.db).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fine)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrFineExists
	}
	return nil
}

func (r *fineRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.FineRecord, error) {
	var fine models.FineRecord
	err := orDefault(db, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&fine, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &fine, nil
}

func (r *fineRepository) Exists(db *gorm.DB, key FineKey) (bool, error) {
	q := orDefault(db, r.db).Model(&models.FineRecord{}).
		Where("calculated_for_date = ? AND fine_type = ?", key.CalculatedForDate, key.FineType)
	if key.ReservationID != nil {
		q = q.Where("reservation_id = ?", *key.ReservationID)
	} else {
		q = q.Where("borrowed_book_id = ?", key.BorrowedBookID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *fineRepository) ListForLoan(db *gorm.DB, loanID uuid.UUID, fineType models.FineType) ([]models.FineRecord, error) {
	var fines []models.FineRecord
	if err := orDefault(db, r.db).
		Where("borrowed_book_id = ? AND fine_type = ?", loanID, fineType).
		Order("calculated_for_date").
		Find(&fines).Error; err != nil {
		return nil, err
	}
	return fines, nil
}

func (r *fineRepository) SumUnpaidByUser(db *gorm.DB, userID uuid.UUID) (decimal.Decimal, error) {
	var fines []models.FineRecord
	if err := orDefault(db, r.db).
		Where("user_id = ? AND is_paid = ?", userID, false).
		Find(&fines).Error; err != nil {
		return decimal.Zero, err
	}
	return sumAmounts(fines), nil
}

// MarkPaid flags an unpaid fine as paid. An already paid fine yields gorm.ErrRecordNotFound.
func (r *fineRepository) MarkPaid(db *gorm.DB, id uuid.UUID, paidAt time.Time) error {
	res := orDefault(db, r.db).Model(&models.FineRecord{}).
		Where("id = ? AND is_paid = ?", id, false).
		Updates(map[string]interface{}{
			"is_paid": true,
			"paid_at": paidAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *fineRepository) ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.FineRecord, error) {
	var fines []models.FineRecord
	if err := orDefault(db, r.db).
		Where("user_id = ?", userID).
		Order("calculated_for_date, fine_type, id").
		Find(&fines).Error; err != nil {
		return nil, err
	}
	return fines, nil
}

func sumAmounts(fines []models.FineRecord) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fines {
		total = total.Add(f.Amount)
	}
	return total
}
