package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type UserRole string

const (
	UserRoleReader    UserRole = "READER"
	UserRoleLibrarian UserRole = "LIBRARIAN"
	UserRoleAdmin     UserRole = "ADMIN"
)

// IsStaff reports whether the role may approve, issue and cancel reservations on behalf of others.
func (r UserRole) IsStaff() bool {
	return r == UserRoleLibrarian || r == UserRoleAdmin
}

type BookInstanceStatus string

const (
	BookInstanceStatusAvailable BookInstanceStatus = "AVAILABLE"
	BookInstanceStatusReserved  BookInstanceStatus = "RESERVED"
	BookInstanceStatusBorrowed  BookInstanceStatus = "BORROWED"
	BookInstanceStatusDamaged   BookInstanceStatus = "DAMAGED"
	BookInstanceStatusLost      BookInstanceStatus = "LOST"
)

// IsHeld reports whether a reservation or loan currently holds the instance.
func (s BookInstanceStatus) IsHeld() bool {
	return s == BookInstanceStatusReserved || s == BookInstanceStatusBorrowed
}

type InstanceCondition string

const (
	InstanceConditionNew  InstanceCondition = "NEW"
	InstanceConditionGood InstanceCondition = "GOOD"
	InstanceConditionWorn InstanceCondition = "WORN"
	InstanceConditionPoor InstanceCondition = "POOR"
)

type User struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Name               string          `gorm:"size:255;not null" json:"name"`
	Email              string          `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Role               UserRole        `gorm:"size:32;not null" json:"role"`
	MaxBooksAllowed    int             `gorm:"not null" json:"max_books_allowed"`
	LoanPeriodDays     int             `gorm:"not null" json:"loan_period_days"`
	BorrowedBooksCount int             `gorm:"not null;default:0" json:"borrowed_books_count"`
	FineAmount         decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"fine_amount"`
	CreatedAt          time.Time       `json:"created_at"`
}

type Shelf struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Code     string `gorm:"size:32;not null;uniqueIndex" json:"code"`
	Category string `gorm:"size:128" json:"category"`
	Location string `gorm:"size:255" json:"location"`
	Capacity int    `gorm:"not null;default:0" json:"capacity"`
}

type Book struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Title           string    `gorm:"size:255;not null" json:"title"`
	Authors         string    `gorm:"size:512;not null" json:"authors"`
	ISBN            string    `gorm:"size:32;index" json:"isbn"`
	ShelfID         *uint     `gorm:"index" json:"shelf_id"`
	Shelf           *Shelf    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;" json:"-"`
	TotalCopies     int       `gorm:"not null;default:0" json:"total_copies"`
	AvailableCopies int       `gorm:"not null;default:0" json:"available_copies"`
	CreatedAt       time.Time `json:"created_at"`
}

type BookInstance struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	BookID        uuid.UUID          `gorm:"type:uuid;not null;index" json:"book_id"`
	Book          Book               `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	InstanceCode  string             `gorm:"size:64;not null;uniqueIndex" json:"instance_code"`
	Status        BookInstanceStatus `gorm:"size:32;not null;index" json:"status"`
	Condition     InstanceCondition  `gorm:"size:32;not null" json:"condition"`
	ShelfID       *uint              `gorm:"index" json:"shelf_id"`
	Shelf         *Shelf             `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;" json:"-"`
	ShelfPosition *int               `json:"shelf_position"`
	IsActive      bool               `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

type ReservationStatus string

const (
	ReservationStatusProcessing      ReservationStatus = "PROCESSING"
	ReservationStatusApproved        ReservationStatus = "APPROVED"
	ReservationStatusCancelled       ReservationStatus = "CANCELLED"
	ReservationStatusExpired         ReservationStatus = "EXPIRED"
	ReservationStatusIssued          ReservationStatus = "ISSUED"
	ReservationStatusReturned        ReservationStatus = "RETURNED"
	ReservationStatusOverdue         ReservationStatus = "OVERDUE"
	ReservationStatusCancelledByUser ReservationStatus = "CANCELLED_BY_USER"
)

// IsTerminal reports whether no further transition is possible.
func (s ReservationStatus) IsTerminal() bool {
	switch s {
	case ReservationStatusCancelled, ReservationStatusExpired,
		ReservationStatusReturned, ReservationStatusCancelledByUser:
		return true
	}
	return false
}

type Reservation struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uuid.UUID         `gorm:"type:uuid;not null;index" json:"user_id"`
	User             User              `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	BookID           uuid.UUID         `gorm:"type:uuid;not null;index" json:"book_id"`
	Book             Book              `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	BookInstanceID   *uuid.UUID        `gorm:"type:uuid;index" json:"book_instance_id"`
	BookInstance     *BookInstance     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;" json:"-"`
	BorrowedBookID   *uuid.UUID        `gorm:"type:uuid;index" json:"borrowed_book_id"`
	ReservationDate  time.Time         `gorm:"not null" json:"reservation_date"`
	ExpirationDate   time.Time         `gorm:"not null;index" json:"expiration_date"`
	DueDate          *time.Time        `json:"due_date"`
	ActualReturnDate *time.Time        `json:"actual_return_date"`
	Status           ReservationStatus `gorm:"size:32;not null;index" json:"status"`
	Notes            string            `gorm:"size:1024" json:"notes"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// EffectiveStatus returns the persisted status, except that an issued reservation past its
// due date reads as OVERDUE. Overdue is never stored.
func (r *Reservation) EffectiveStatus(now time.Time) ReservationStatus {
	if r.Status == ReservationStatusIssued && r.DueDate != nil && r.DueDate.Before(now) {
		return ReservationStatusOverdue
	}
	return r.Status
}

type BorrowedBook struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	User           User            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	BookID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"book_id"`
	Book           Book            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	BookInstanceID *uuid.UUID      `gorm:"type:uuid;index" json:"book_instance_id"`
	BookInstance   *BookInstance   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;" json:"-"`
	ReservationID  *uuid.UUID      `gorm:"type:uuid;index" json:"reservation_id"`
	BorrowDate     time.Time       `gorm:"not null" json:"borrow_date"`
	DueDate        time.Time       `gorm:"not null;index" json:"due_date"`
	ReturnDate     *time.Time      `json:"return_date"`
	IsLost         bool            `gorm:"not null;default:false" json:"is_lost"`
	FineAmount     decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"fine_amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsReturned reports whether the loan has been closed.
func (b *BorrowedBook) IsReturned() bool {
	return b.ReturnDate != nil
}

// IsOverdue reports whether the loan is still open past its due date.
func (b *BorrowedBook) IsOverdue(now time.Time) bool {
	return !b.IsReturned() && b.DueDate.Before(now)
}

// DaysOverdue counts whole days past the due date. Closed loans are measured up to their
// return date.
func (b *BorrowedBook) DaysOverdue(now time.Time) int {
	end := now
	if b.ReturnDate != nil {
		end = *b.ReturnDate
	}
	if !b.DueDate.Before(end) {
		return 0
	}
	return int(end.Sub(b.DueDate) / (24 * time.Hour))
}

type FineType string

const (
	FineTypeOverdue FineType = "OVERDUE"
	FineTypeNoShow  FineType = "NO_SHOW"
	FineTypeLost    FineType = "LOST"
)

type FineRecord struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID            uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	User              User            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	ReservationID     *uuid.UUID      `gorm:"type:uuid;uniqueIndex:uniq_fine_reservation_day_type,priority:1" json:"reservation_id"`
	BorrowedBookID    *uuid.UUID      `gorm:"type:uuid;uniqueIndex:uniq_fine_loan_day_type,priority:1" json:"borrowed_book_id"`
	Amount            decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Reason            string          `gorm:"size:512;not null" json:"reason"`
	FineType          FineType        `gorm:"size:32;not null;uniqueIndex:uniq_fine_reservation_day_type,priority:3;uniqueIndex:uniq_fine_loan_day_type,priority:3" json:"fine_type"`
	CalculatedForDate time.Time       `gorm:"not null;uniqueIndex:uniq_fine_reservation_day_type,priority:2;uniqueIndex:uniq_fine_loan_day_type,priority:2" json:"calculated_for_date"`
	IsPaid            bool            `gorm:"not null;default:false;index" json:"is_paid"`
	PaidAt            *time.Time      `json:"paid_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

type Notification struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	User      User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	Type      string    `gorm:"size:64;not null" json:"type"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	DedupKey  *string   `gorm:"size:255;uniqueIndex" json:"-"`
	IsRead    bool      `gorm:"not null;default:false" json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Partial unique indexes created by database.Migrate. They back the one-holder-per-instance
// invariant at the storage level.
const (
	IndexOpenLoanPerInstance            = "uniq_open_loan_per_instance"
	IndexApprovedReservationPerInstance = "uniq_approved_reservation_per_instance"
)

// All lists every persisted model in dependency order, for migrations.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Shelf{},
		&Book{},
		&BookInstance{},
		&Reservation{},
		&BorrowedBook{},
		&FineRecord{},
		&Notification{},
	}
}
