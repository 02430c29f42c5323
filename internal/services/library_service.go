package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/notifications"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/repositories"
)

// ─── Service Interface ────────────────────────────────────────────────────────

// LibraryService defines the circulation operations of the library.
type LibraryService interface {
	CreateShelf(ctx context.Context, in NewShelf) (*models.Shelf, error)
	ListShelves(ctx context.Context) ([]models.Shelf, error)

	CreateBook(ctx context.Context, in NewBook) (*models.Book, error)
	AddBookInstance(ctx context.Context, bookID uuid.UUID, in NewInstance) (*models.BookInstance, error)
	ListBooks(ctx context.Context) ([]models.Book, error)
	GetBook(ctx context.Context, bookID uuid.UUID) (*models.Book, error)
	ListBookInstances(ctx context.Context, bookID uuid.UUID) ([]models.BookInstance, error)
	DeleteBook(ctx context.Context, bookID uuid.UUID) error
	SetInstanceStatus(ctx context.Context, instanceID uuid.UUID, status models.BookInstanceStatus) (*models.BookInstance, error)
	SetInstanceActive(ctx context.Context, instanceID uuid.UUID, active bool) (*models.BookInstance, error)
	DeleteInstance(ctx context.Context, instanceID uuid.UUID) error
	CheckCatalogConsistency(ctx context.Context, bookID uuid.UUID) error

	CreateUser(ctx context.Context, in NewUser) (*models.User, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error)

	CreateReservation(ctx context.Context, userID, bookID uuid.UUID, notes string) (*models.Reservation, error)
	ApproveReservation(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error)
	IssueReservation(ctx context.Context, reservationID uuid.UUID) (*models.BorrowedBook, error)
	CancelReservation(ctx context.Context, reservationID uuid.UUID, byUser bool) (*models.Reservation, error)
	GetReservation(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error)
	ListUserReservations(ctx context.Context, userID uuid.UUID) ([]models.Reservation, error)

	BorrowBook(ctx context.Context, userID, bookID uuid.UUID, preferredInstanceID *uuid.UUID) (*models.BorrowedBook, error)
	ReturnLoan(ctx context.Context, loanID uuid.UUID) (*models.BorrowedBook, error)
	ReportLost(ctx context.Context, loanID uuid.UUID) (*models.BorrowedBook, error)
	GetLoan(ctx context.Context, loanID uuid.UUID) (*models.BorrowedBook, error)
	ListUserLoans(ctx context.Context, userID uuid.UUID) ([]models.BorrowedBook, error)

	RunOverdueSweep(ctx context.Context, asOf time.Time) ([]models.FineRecord, error)
	PayFine(ctx context.Context, fineID uuid.UUID) (*models.FineRecord, error)
	ListUserFines(ctx context.Context, userID uuid.UUID) ([]models.FineRecord, error)
}

// ─── Implementation ───────────────────────────────────────────────────────────

type libraryService struct {
	db       *gorm.DB
	repos    repositories.Set
	alloc    *InstanceAllocator
	ledger   *BorrowLedger
	fines    *FineEngine
	notifier notifications.Notifier
	clock    Clock
	policy   Policy
	retry    []RetryOption
	log      *zap.Logger
}

// NewLibraryService wires up all dependencies and returns a LibraryService.
func NewLibraryService(
	db *gorm.DB,
	repos repositories.Set,
	notifier notifications.Notifier,
	clock Clock,
	policy Policy,
	log *zap.Logger,
	retry ...RetryOption,
) LibraryService {
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	defaults := DefaultPolicy()
	if policy.DefaultLoanPeriodDays <= 0 {
		policy.DefaultLoanPeriodDays = defaults.DefaultLoanPeriodDays
	}
	if policy.DefaultMaxBooks <= 0 {
		policy.DefaultMaxBooks = defaults.DefaultMaxBooks
	}
	if policy.ReservationHoldDays <= 0 {
		policy.ReservationHoldDays = defaults.ReservationHoldDays
	}
	if policy.DueSoonDays < 0 {
		policy.DueSoonDays = defaults.DueSoonDays
	}

	return &libraryService{
		db:       db,
		repos:    repos,
		alloc:    NewInstanceAllocator(repos.Books, repos.Instances, log),
		ledger:   NewBorrowLedger(repos.Users, repos.BorrowedBooks, log),
		fines:    NewFineEngine(repos.Users, repos.BorrowedBooks, repos.Fines, policy.Fines, log),
		notifier: notifier,
		clock:    clock,
		policy:   policy,
		retry:    retry,
		log:      log,
	}
}

// outbox collects the notifications of one transaction attempt. They are delivered only
// after the transaction commits.
type outbox []notifications.Event

func (o *outbox) add(userID uuid.UUID, typ notifications.Type, payload map[string]interface{}) {
	*o = append(*o, notifications.Event{UserID: userID, Type: typ, Payload: payload})
}

func (o *outbox) addOnce(userID uuid.UUID, typ notifications.Type, dedupKey string, payload map[string]interface{}) {
	*o = append(*o, notifications.Event{UserID: userID, Type: typ, Payload: payload, DedupKey: dedupKey})
}

func (o *outbox) addFines(fines []models.FineRecord) {
	for _, f := range fines {
		o.addOnce(f.UserID, notifications.TypeFineAdded, "fine:"+f.ID.String(), finePayload(f))
	}
}

// inTx runs fn in one database transaction, retrying it when PostgreSQL reports a
// serialization failure or deadlock. Notifications queued by the successful attempt are
// dispatched after commit.
func (s *libraryService) inTx(ctx context.Context, op string, fn func(tx *gorm.DB, out *outbox) error) error {
	var out outbox
	attempts, err := retryWithExponentialBackoff(ctx, func(ctx context.Context) error {
		out = out[:0]
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx, &out)
		})
	}, s.retry...)
	if err != nil {
		err = translateStoreError(err)
		if isExpectedError(err) {
			s.log.Warn(op+": rejected", zap.Error(err))
		} else {
			s.log.Error(op+": transaction failed", zap.Error(err), zap.Int("attempts", attempts))
		}
		return err
	}
	if attempts > 1 {
		s.log.Warn(op+": committed after retry", zap.Int("attempts", attempts))
	}
	s.dispatch(ctx, out)
	return nil
}

// dispatch delivers notifications. Failures are logged and never reach the caller.
func (s *libraryService) dispatch(ctx context.Context, events []notifications.Event) {
	for _, ev := range events {
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.log.Warn("notification delivery failed",
				zap.Stringer("user_id", ev.UserID),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

// isExpectedError reports whether err is a domain outcome the caller is told about, as
// opposed to a storage failure or a bug.
func isExpectedError(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrNoCopiesAvailable,
		ErrInstanceUnavailable,
		ErrInvalidState,
		ErrUserBorrowLimitExceeded,
		ErrAlreadyReturned,
		ErrAlreadyPaid,
		ErrInvalidTransition,
		ErrDuplicateReservation,
		ErrBookHasOpenLoans,
		ErrInvalidArgument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *libraryService) now() time.Time {
	return s.clock.Now().UTC()
}

func finePayload(f models.FineRecord) map[string]interface{} {
	return map[string]interface{}{
		"fine_id":             f.ID.String(),
		"amount":              f.Amount.StringFixed(2),
		"fine_type":           string(f.FineType),
		"reason":              f.Reason,
		"calculated_for_date": f.CalculatedForDate.Format(dateLayout),
	}
}

func loanPayload(l *models.BorrowedBook) map[string]interface{} {
	p := map[string]interface{}{
		"loan_id":  l.ID.String(),
		"book_id":  l.BookID.String(),
		"due_date": l.DueDate.Format(time.RFC3339),
	}
	if l.ReturnDate != nil {
		p["return_date"] = l.ReturnDate.Format(time.RFC3339)
	}
	return p
}

func reservationPayload(r *models.Reservation) map[string]interface{} {
	p := map[string]interface{}{
		"reservation_id":  r.ID.String(),
		"book_id":         r.BookID.String(),
		"status":          string(r.Status),
		"expiration_date": r.ExpirationDate.Format(time.RFC3339),
	}
	if r.BookInstanceID != nil {
		p["book_instance_id"] = r.BookInstanceID.String()
	}
	return p
}
