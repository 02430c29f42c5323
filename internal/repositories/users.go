package repositories

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(db *gorm.DB, user *models.User) error {
	return orDefault(db, r.db).Create(user).Error
}

func (r *userRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := orDefault(db, r.db).First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByIDForUpdate locks the user row; loan limit checks and fine totals serialize on it.
func (r *userRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := orDefault(db, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&user, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) AdjustBorrowedCount(db *gorm.DB, id uuid.UUID, delta int) error {
	return orDefault(db, r.db).Model(&models.User{}).
		Where("id = ?", id).
		UpdateColumn("borrowed_books_count", gorm.Expr("borrowed_books_count + ?", delta)).
		Error
}

func (r *userRepository) SetFineAmount(db *gorm.DB, id uuid.UUID, amount decimal.Decimal) error {
	return orDefault(db, r.db).Model(&models.User{}).
		Where("id = ?", id).
		UpdateColumn("fine_amount", amount).
		Error
}
