package repositories

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

type reservationRepository struct {
	db *gorm.DB
}

func NewReservationRepository(db *gorm.DB) ReservationRepository {
	return &reservationRepository{db: db}
}

func (r *reservationRepository) Create(db *gorm.DB, reservation *models.Reservation) error {
	return orDefault(db, r.db).Omit(clause.Associations).Create(reservation).Error
}

func (r *reservationRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	if err := orDefault(db, r.db).First(&res, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *reservationRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	err := orDefault(db, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&res, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *reservationRepository) Save(db *gorm.DB, reservation *models.Reservation) error {
	return orDefault(db, r.db).Omit(clause.Associations).Save(reservation).Error
}

func (r *reservationRepository) ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.Reservation, error) {
	var res []models.Reservation
	if err := orDefault(db, r.db).
		Where("user_id = ?", userID).
		Order("reservation_date DESC, id").
		Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// ListPendingExpiry returns processing and approved reservations whose expiration date is
// not after asOf. Callers re-check each row under lock before acting on it.
func (r *reservationRepository) ListPendingExpiry(db *gorm.DB, asOf time.Time) ([]models.Reservation, error) {
	var res []models.Reservation
	if err := orDefault(db, r.db).
		Where("status IN ?", []models.ReservationStatus{
			models.ReservationStatusProcessing,
			models.ReservationStatusApproved,
		}).
		Where("expiration_date <= ?", asOf).
		Order("expiration_date, id").
		Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

func (r *reservationRepository) CountActiveForUserAndBook(db *gorm.DB, userID, bookID uuid.UUID) (int, error) {
	var n int64
	err := orDefault(db, r.db).Model(&models.Reservation{}).
		Where("user_id = ? AND book_id = ? AND status IN ?", userID, bookID, []models.ReservationStatus{
			models.ReservationStatusProcessing,
			models.ReservationStatusApproved,
			models.ReservationStatusIssued,
		}).
		Count(&n).Error
	return int(n), err
}

func (r *reservationRepository) ClearInstance(db *gorm.DB, instanceID uuid.UUID) error {
	return orDefault(db, r.db).Model(&models.Reservation{}).
		Where("book_instance_id = ?", instanceID).
		UpdateColumn("book_instance_id", nil).
		Error
}

func (r *reservationRepository) DeleteByBook(db *gorm.DB, bookID uuid.UUID) error {
	return orDefault(db, r.db).Delete(&models.Reservation{}, "book_id = ?", bookID).Error
}
