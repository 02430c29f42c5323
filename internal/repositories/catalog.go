package repositories

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

type shelfRepository struct {
	db *gorm.DB
}

func NewShelfRepository(db *gorm.DB) ShelfRepository {
	return &shelfRepository{db: db}
}

func (r *shelfRepository) Create(db *gorm.DB, shelf *models.Shelf) error {
	return orDefault(db, r.db).Create(shelf).Error
}

func (r *shelfRepository) GetByID(db *gorm.DB, id uint) (*models.Shelf, error) {
	var shelf models.Shelf
	if err := orDefault(db, r.db).First(&shelf, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &shelf, nil
}

func (r *shelfRepository) List(db *gorm.DB) ([]models.Shelf, error) {
	var shelves []models.Shelf
	if err := orDefault(db, r.db).Order("code").Find(&shelves).Error; err != nil {
		return nil, err
	}
	return shelves, nil
}

type bookRepository struct {
	db *gorm.DB
}

func NewBookRepository(db *gorm.DB) BookRepository {
	return &bookRepository{db: db}
}

func (r *bookRepository) Create(db *gorm.DB, book *models.Book) error {
	return orDefault(db, r.db).Omit(clause.Associations).Create(book).Error
}

func (r *bookRepository) List(db *gorm.DB) ([]models.Book, error) {
	var books []models.Book
	if err := orDefault(db, r.db).Order("title, id").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (r *bookRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error) {
	var book models.Book
	if err := orDefault(db, r.db).First(&book, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &book, nil
}

// GetByIDForUpdate locks the book row. Allocation and release for one book serialize on it.
func (r *bookRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Book, error) {
	var book models.Book
	err := orDefault(db, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&book, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &book, nil
}

func (r *bookRepository) AdjustCopies(db *gorm.DB, bookID uuid.UUID, totalDelta, availableDelta int) error {
	return orDefault(db, r.db).Model(&models.Book{}).
		Where("id = ?", bookID).
		UpdateColumns(map[string]interface{}{
			"total_copies":     gorm.Expr("total_copies + ?", totalDelta),
			"available_copies": gorm.Expr("available_copies + ?", availableDelta),
		}).Error
}

func (r *bookRepository) Delete(db *gorm.DB, id uuid.UUID) error {
	return orDefault(db, r.db).Delete(&models.Book{}, "id = ?", id).Error
}

type bookInstanceRepository struct {
	db *gorm.DB
}

func NewBookInstanceRepository(db *gorm.DB) BookInstanceRepository {
	return &bookInstanceRepository{db: db}
}

func (r *bookInstanceRepository) Create(db *gorm.DB, instance *models.BookInstance) error {
	return orDefault(db, r.db).Omit(clause.Associations).Create(instance).Error
}

func (r *bookInstanceRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.BookInstance, error) {
	var instance models.BookInstance
	if err := orDefault(db, r.db).First(&instance, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *bookInstanceRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.BookInstance, error) {
	var instance models.BookInstance
	err := orDefault(db, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&instance, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// FindAvailableForUpdate picks the first available active instance in shelf order:
// shelf position ascending with unshelved copies last, then instance code, then id.
func (r *bookInstanceRepository) FindAvailableForUpdate(db *gorm.DB, bookID uuid.UUID) (*models.BookInstance, error) {
	var instance models.BookInstance
	err := orDefault(db, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("book_id = ? AND status = ? AND is_active = ?", bookID, models.BookInstanceStatusAvailable, true).
		Order("CASE WHEN shelf_position IS NULL THEN 1 ELSE 0 END").
		Order("shelf_position").
		Order("instance_code").
		Order("id").
		First(&instance).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *bookInstanceRepository) CountByStatus(db *gorm.DB, bookID uuid.UUID, status models.BookInstanceStatus) (int, error) {
	var n int64
	err := orDefault(db, r.db).Model(&models.BookInstance{}).
		Where("book_id = ? AND status = ?", bookID, status).
		Count(&n).Error
	return int(n), err
}

func (r *bookInstanceRepository) CountByBook(db *gorm.DB, bookID uuid.UUID) (int, error) {
	var n int64
	err := orDefault(db, r.db).Model(&models.BookInstance{}).
		Where("book_id = ?", bookID).
		Count(&n).Error
	return int(n), err
}

func (r *bookInstanceRepository) ListByBook(db *gorm.DB, bookID uuid.UUID) ([]models.BookInstance, error) {
	var instances []models.BookInstance
	if err := orDefault(db, r.db).
		Where("book_id = ?", bookID).
		Order("instance_code").
		Find(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

// UpdateStatus moves an instance from one status to another. It fails with
// gorm.ErrRecordNotFound when the instance is no longer in the expected status.
func (r *bookInstanceRepository) UpdateStatus(db *gorm.DB, id uuid.UUID, from, to models.BookInstanceStatus) error {
	res := orDefault(db, r.db).Model(&models.BookInstance{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *bookInstanceRepository) SetActive(db *gorm.DB, id uuid.UUID, active bool) error {
	return orDefault(db, r.db).Model(&models.BookInstance{}).
		Where("id = ?", id).
		UpdateColumn("is_active", active).
		Error
}

func (r *bookInstanceRepository) Delete(db *gorm.DB, id uuid.UUID) error {
	return orDefault(db, r.db).Delete(&models.BookInstance{}, "id = ?", id).Error
}

func (r *bookInstanceRepository) DeleteByBook(db *gorm.DB, bookID uuid.UUID) error {
	return orDefault(db, r.db).Delete(&models.BookInstance{}, "book_id = ?", bookID).Error
}
