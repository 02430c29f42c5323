package repositories

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

// Every method takes the *gorm.DB to run against so services can pass a transaction handle.
// A nil handle falls back to the repository's own connection.

type UserRepository interface {
	Create(db *gorm.DB, user *models.User) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.User, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.User, error)
	AdjustBorrowedCount(db *gorm.DB, id uuid.UUID, delta int) error
	SetFineAmount(db *gorm.DB, id uuid.UUID, amount decimal.Decimal) error
}

type ShelfRepository interface {
	Create(db *gorm.DB, shelf *models.Shelf) error
	GetByID(db *gorm.DB, id uint) (*models.Shelf, error)
	List(db *gorm.DB) ([]models.Shelf, error)
}

type BookRepository interface {
	Create(db *gorm.DB, book *models.Book) error
	List(db *gorm.DB) ([]models.Book, error)
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Book, error)
	AdjustCopies(db *gorm.DB, bookID uuid.UUID, totalDelta, availableDelta int) error
	Delete(db *gorm.DB, id uuid.UUID) error
}

type BookInstanceRepository interface {
	Create(db *gorm.DB, instance *models.BookInstance) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.BookInstance, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.BookInstance, error)
	FindAvailableForUpdate(db *gorm.DB, bookID uuid.UUID) (*models.BookInstance, error)
	CountByStatus(db *gorm.DB, bookID uuid.UUID, status models.BookInstanceStatus) (int, error)
	CountByBook(db *gorm.DB, bookID uuid.UUID) (int, error)
	ListByBook(db *gorm.DB, bookID uuid.UUID) ([]models.BookInstance, error)
	UpdateStatus(db *gorm.DB, id uuid.UUID, from, to models.BookInstanceStatus) error
	SetActive(db *gorm.DB, id uuid.UUID, active bool) error
	Delete(db *gorm.DB, id uuid.UUID) error
	DeleteByBook(db *gorm.DB, bookID uuid.UUID) error
}

type ReservationRepository interface {
	Create(db *gorm.DB, reservation *models.Reservation) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Reservation, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Reservation, error)
	Save(db *gorm.DB, reservation *models.Reservation) error
	ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.Reservation, error)
	ListPendingExpiry(db *gorm.DB, asOf time.Time) ([]models.Reservation, error)
	CountActiveForUserAndBook(db *gorm.DB, userID, bookID uuid.UUID) (int, error)
	ClearInstance(db *gorm.DB, instanceID uuid.UUID) error
	DeleteByBook(db *gorm.DB, bookID uuid.UUID) error
}

type BorrowedBookRepository interface {
	Create(db *gorm.DB, loan *models.BorrowedBook) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.BorrowedBook, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.BorrowedBook, error)
	CountOpenByUser(db *gorm.DB, userID uuid.UUID) (int, error)
	CountOpenByBook(db *gorm.DB, bookID uuid.UUID) (int, error)
	ListOpen(db *gorm.DB) ([]models.BorrowedBook, error)
	ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.BorrowedBook, error)
	MarkReturned(db *gorm.DB, id uuid.UUID, returnedAt time.Time, lost bool) error
	AddFine(db *gorm.DB, id uuid.UUID, amount decimal.Decimal) error
	ClearInstance(db *gorm.DB, instanceID uuid.UUID) error
	DeleteByBook(db *gorm.DB, bookID uuid.UUID) error
}

type FineRepository interface {
	Create(db *gorm.DB, fine *models.FineRecord) error
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.FineRecord, error)
	Exists(db *gorm.DB, key FineKey) (bool, error)
	ListForLoan(db *gorm.DB, loanID uuid.UUID, fineType models.FineType) ([]models.FineRecord, error)
	SumUnpaidByUser(db *gorm.DB, userID uuid.UUID) (decimal.Decimal, error)
	MarkPaid(db *gorm.DB, id uuid.UUID, paidAt time.Time) error
	ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.FineRecord, error)
}

// FineKey identifies a fine for deduplication. Reservation-scoped when ReservationID is set,
// loan-scoped otherwise.
type FineKey struct {
	ReservationID     *uuid.UUID
	BorrowedBookID    *uuid.UUID
	CalculatedForDate time.Time
	FineType          models.FineType
}

// Set bundles the repositories the services are built from.
type Set struct {
	Users         UserRepository
	Shelves       ShelfRepository
	Books         BookRepository
	Instances     BookInstanceRepository
	Reservations  ReservationRepository
	BorrowedBooks BorrowedBookRepository
	Fines         FineRepository
}

// New builds every repository on the same connection.
func New(db *gorm.DB) Set {
	return Set{
		Users:         NewUserRepository(db),
		Shelves:       NewShelfRepository(db),
		Books:         NewBookRepository(db),
		Instances:     NewBookInstanceRepository(db),
		Reservations:  NewReservationRepository(db),
		BorrowedBooks: NewBorrowedBookRepository(db),
		Fines:         NewFineRepository(db),
	}
}

func orDefault(db, fallback *gorm.DB) *gorm.DB {
	if db == nil {
		return fallback
	}
	return db
}
