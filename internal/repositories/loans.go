package repositories

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

type borrowedBookRepository struct {
	db *gorm.DB
}

func NewBorrowedBookRepository(db *gorm.DB) BorrowedBookRepository {
	return &borrowedBookRepository{db: db}
}

func (r *borrowedBookRepository) Create(db *gorm.DB, loan *models.BorrowedBook) error {
	return orDefault(db, r.db).Omit(clause.Associations).Create(loan).Error
}

func (r *borrowedBookRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.BorrowedBook, error) {
	var loan models.BorrowedBook
	if err := orDefault(db, r.db).First(&loan, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *borrowedBookRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.BorrowedBook, error) {
	var loan models.BorrowedBook
	err := orDefault(db, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&loan, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *borrowedBookRepository) CountOpenByUser(db *gorm.DB, userID uuid.UUID) (int, error) {
	var n int64
	err := orDefault(db, r.db).Model(&models.BorrowedBook{}).
		Where("user_id = ? AND return_date IS NULL", userID).
		Count(&n).Error
	return int(n), err
}

func (r *borrowedBookRepository) CountOpenByBook(db *gorm.DB, bookID uuid.UUID) (int, error) {
	var n int64
	err := orDefault(db, r.db).Model(&models.BorrowedBook{}).
		Where("book_id = ? AND return_date IS NULL", bookID).
		Count(&n).Error
	return int(n), err
}

func (r *borrowedBookRepository) ListOpen(db *gorm.DB) ([]models.BorrowedBook, error) {
	var loans []models.BorrowedBook
	if err := orDefault(db, r.db).
		Where("return_date IS NULL").
		Order("due_date, id").
		Find(&loans).Error; err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *borrowedBookRepository) ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.BorrowedBook, error) {
	var loans []models.BorrowedBook
	if err := orDefault(db, r.db).
		Where("user_id = ?", userID).
		Order("borrow_date DESC, id").
		Find(&loans).Error; err != nil {
		return nil, err
	}
	return loans, nil
}

// MarkReturned closes an open loan. A loan that is already closed is left untouched and
// gorm.ErrRecordNotFound is returned.
func (r *borrowedBookRepository) MarkReturned(db *gorm.DB, id uuid.UUID, returnedAt time.Time, lost bool) error {
	res := orDefault(db, r.db).Model(&models.BorrowedBook{}).
		Where("id = ? AND return_date IS NULL", id).
		Updates(map[string]interface{}{
			"return_date": returnedAt,
			"is_lost":     lost,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *borrowedBookRepository) AddFine(db *gorm.DB, id uuid.UUID, amount decimal.Decimal) error {
	return orDefault(db, r.db).Model(&models.BorrowedBook{}).
		Where("id = ?", id).
		UpdateColumn("fine_amount", gorm.Expr("fine_amount + ?", amount)).
		Error
}

func (r *borrowedBookRepository) ClearInstance(db *gorm.DB, instanceID uuid.UUID) error {
	return orDefault(db, r.db).Model(&models.BorrowedBook{}).
		Where("book_instance_id = ?", instanceID).
		UpdateColumn("book_instance_id", nil).
		Error
}

func (r *borrowedBookRepository) DeleteByBook(db *gorm.DB, bookID uuid.UUID) error {
	return orDefault(db, r.db).Delete(&models.BorrowedBook{}, "book_id = ?", bookID).Error
}
