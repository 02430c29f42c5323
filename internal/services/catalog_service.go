package services

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

type NewShelf struct {
	Code     string
	Category string
	Location string
	Capacity int
}

type NewBook struct {
	Title   string
	Authors string
	ISBN    string
	ShelfID *uint
	Copies  int
}

type NewInstance struct {
	ShelfID       *uint
	ShelfPosition *int
	Condition     models.InstanceCondition
}

type NewUser struct {
	Name            string
	Email           string
	Role            models.UserRole
	MaxBooksAllowed int
	LoanPeriodDays  int
}

// ─── Shelves ──────────────────────────────────────────────────────────────────

func (s *libraryService) CreateShelf(ctx context.Context, in NewShelf) (*models.Shelf, error) {
	if strings.TrimSpace(in.Code) == "" || in.Capacity < 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "shelf code is required and capacity must not be negative")
	}
	shelf := &models.Shelf{
		Code:     strings.TrimSpace(in.Code),
		Category: in.Category,
		Location: in.Location,
		Capacity: in.Capacity,
	}
	if err := s.repos.Shelves.Create(s.db.WithContext(ctx), shelf); err != nil {
		s.log.Error("CreateShelf: failed to create shelf", zap.String("code", shelf.Code), zap.Error(err))
		return nil, err
	}
	s.log.Info("CreateShelf: shelf created", zap.Uint("shelf_id", shelf.ID), zap.String("code", shelf.Code))
	return shelf, nil
}

func (s *libraryService) ListShelves(ctx context.Context) ([]models.Shelf, error) {
	return s.repos.Shelves.List(s.db.WithContext(ctx))
}

// ─── Book Management ──────────────────────────────────────────────────────────

// CreateBook creates a book record together with the requested number of physical copies,
// all within a single transaction.
func (s *libraryService) CreateBook(ctx context.Context, in NewBook) (*models.Book, error) {
	if strings.TrimSpace(in.Title) == "" || in.Copies < 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "title is required and copies must not be negative")
	}

	var book *models.Book
	err := s.inTx(ctx, "CreateBook", func(tx *gorm.DB, _ *outbox) error {
		if err := s.checkShelf(tx, in.ShelfID); err != nil {
			return err
		}
		book = &models.Book{
			ID:      uuid.New(),
			Title:   strings.TrimSpace(in.Title),
			Authors: strings.TrimSpace(in.Authors),
			ISBN:    strings.TrimSpace(in.ISBN),
			ShelfID: in.ShelfID,
		}
		if err := s.repos.Books.Create(tx, book); err != nil {
			return err
		}
		for i := 0; i < in.Copies; i++ {
			position := i + 1
			if _, err := s.addInstance(tx, book, NewInstance{ShelfID: in.ShelfID, ShelfPosition: &position}); err != nil {
				return err
			}
		}
		reloaded, err := s.repos.Books.GetByID(tx, book.ID)
		if err != nil {
			return err
		}
		book = reloaded
		return s.alloc.VerifyBook(tx, book.ID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("CreateBook: book created",
		zap.Stringer("book_id", book.ID),
		zap.String("title", book.Title),
		zap.Int("copies", book.TotalCopies))
	return book, nil
}

// AddBookInstance adds one physical copy to an existing book. The copy starts AVAILABLE.
func (s *libraryService) AddBookInstance(ctx context.Context, bookID uuid.UUID, in NewInstance) (*models.BookInstance, error) {
	var instance *models.BookInstance
	err := s.inTx(ctx, "AddBookInstance", func(tx *gorm.DB, _ *outbox) error {
		book, err := s.repos.Books.GetByIDForUpdate(tx, bookID)
		if err != nil {
			return notFound(err, ErrBookNotFound)
		}
		if err := s.checkShelf(tx, in.ShelfID); err != nil {
			return err
		}
		instance, err = s.addInstance(tx, book, in)
		if err != nil {
			return err
		}
		return s.alloc.VerifyBook(tx, bookID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("AddBookInstance: copy added",
		zap.Stringer("book_id", bookID),
		zap.Stringer("instance_id", instance.ID),
		zap.String("instance_code", instance.InstanceCode))
	return instance, nil
}

func (s *libraryService) ListBooks(ctx context.Context) ([]models.Book, error) {
	return s.repos.Books.List(s.db.WithContext(ctx))
}

func (s *libraryService) GetBook(ctx context.Context, bookID uuid.UUID) (*models.Book, error) {
	book, err := s.repos.Books.GetByID(s.db.WithContext(ctx), bookID)
	if err != nil {
		return nil, notFound(err, ErrBookNotFound)
	}
	return book, nil
}

func (s *libraryService) ListBookInstances(ctx context.Context, bookID uuid.UUID) ([]models.BookInstance, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.repos.Books.GetByID(db, bookID); err != nil {
		return nil, notFound(err, ErrBookNotFound)
	}
	return s.repos.Instances.ListByBook(db, bookID)
}

// DeleteBook removes a book with its copies and circulation history. A book with copies out
// on loan cannot be deleted.
func (s *libraryService) DeleteBook(ctx context.Context, bookID uuid.UUID) error {
	err := s.inTx(ctx, "DeleteBook", func(tx *gorm.DB, _ *outbox) error {
		if _, err := s.repos.Books.GetByIDForUpdate(tx, bookID); err != nil {
			return notFound(err, ErrBookNotFound)
		}
		open, err := s.repos.BorrowedBooks.CountOpenByBook(tx, bookID)
		if err != nil {
			return err
		}
		if open > 0 {
			return errors.Wrapf(ErrBookHasOpenLoans, "%d open", open)
		}
		if err := s.repos.Reservations.DeleteByBook(tx, bookID); err != nil {
			return err
		}
		if err := s.repos.BorrowedBooks.DeleteByBook(tx, bookID); err != nil {
			return err
		}
		if err := s.repos.Instances.DeleteByBook(tx, bookID); err != nil {
			return err
		}
		return s.repos.Books.Delete(tx, bookID)
	})
	if err != nil {
		return err
	}
	s.log.Info("DeleteBook: book deleted", zap.Stringer("book_id", bookID))
	return nil
}

// SetInstanceStatus moves a copy nobody holds between AVAILABLE, DAMAGED and LOST.
func (s *libraryService) SetInstanceStatus(ctx context.Context, instanceID uuid.UUID, status models.BookInstanceStatus) (*models.BookInstance, error) {
	switch status {
	case models.BookInstanceStatusAvailable, models.BookInstanceStatusDamaged, models.BookInstanceStatusLost:
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "status %q", status)
	}
	var instance *models.BookInstance
	err := s.inTx(ctx, "SetInstanceStatus", func(tx *gorm.DB, _ *outbox) error {
		var err error
		instance, err = s.alloc.SetShelfStatus(tx, instanceID, status)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("SetInstanceStatus: status changed",
		zap.Stringer("instance_id", instanceID),
		zap.String("status", string(status)))
	return instance, nil
}

// SetInstanceActive withdraws a damaged or lost copy from the collection, or restores it.
func (s *libraryService) SetInstanceActive(ctx context.Context, instanceID uuid.UUID, active bool) (*models.BookInstance, error) {
	var instance *models.BookInstance
	err := s.inTx(ctx, "SetInstanceActive", func(tx *gorm.DB, _ *outbox) error {
		var err error
		instance, err = s.alloc.SetActive(tx, instanceID, active)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("SetInstanceActive: copy updated",
		zap.Stringer("instance_id", instanceID),
		zap.Bool("active", active))
	return instance, nil
}

func (s *libraryService) DeleteInstance(ctx context.Context, instanceID uuid.UUID) error {
	err := s.inTx(ctx, "DeleteInstance", func(tx *gorm.DB, _ *outbox) error {
		_, err := s.alloc.Remove(tx, instanceID, s.repos.BorrowedBooks, s.repos.Reservations)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info("DeleteInstance: copy removed", zap.Stringer("instance_id", instanceID))
	return nil
}

// CheckCatalogConsistency recounts a book's copies and fails with ErrInvariantViolation when
// the cached counters disagree.
func (s *libraryService) CheckCatalogConsistency(ctx context.Context, bookID uuid.UUID) error {
	return s.inTx(ctx, "CheckCatalogConsistency", func(tx *gorm.DB, _ *outbox) error {
		return s.alloc.VerifyBook(tx, bookID)
	})
}

// addInstance creates an AVAILABLE copy of a locked book and bumps both counters. Instance
// codes are <ISBN or book prefix>-NNN, numbered after the highest code the book already has.
func (s *libraryService) addInstance(tx *gorm.DB, book *models.Book, in NewInstance) (*models.BookInstance, error) {
	existing, err := s.repos.Instances.ListByBook(tx, book.ID)
	if err != nil {
		return nil, err
	}
	prefix := instanceCodePrefix(book)
	taken := make(map[string]struct{}, len(existing))
	for _, inst := range existing {
		taken[inst.InstanceCode] = struct{}{}
	}
	seq := len(existing) + 1
	code := fmt.Sprintf("%s-%03d", prefix, seq)
	for {
		if _, ok := taken[code]; !ok {
			break
		}
		seq++
		code = fmt.Sprintf("%s-%03d", prefix, seq)
	}

	condition := in.Condition
	if condition == "" {
		condition = models.InstanceConditionNew
	}
	shelfID := in.ShelfID
	if shelfID == nil {
		shelfID = book.ShelfID
	}
	instance := &models.BookInstance{
		ID:            uuid.New(),
		BookID:        book.ID,
		InstanceCode:  code,
		Status:        models.BookInstanceStatusAvailable,
		Condition:     condition,
		ShelfID:       shelfID,
		ShelfPosition: in.ShelfPosition,
		IsActive:      true,
	}
	if err := s.repos.Instances.Create(tx, instance); err != nil {
		return nil, err
	}
	if err := s.repos.Books.AdjustCopies(tx, book.ID, 1, 1); err != nil {
		return nil, err
	}
	return instance, nil
}

// instanceCodePrefix uses the ISBN digits when present and the first block of the book id
// otherwise.
func instanceCodePrefix(book *models.Book) string {
	var b strings.Builder
	for _, r := range book.ISBN {
		if unicode.IsDigit(r) || r == 'X' || r == 'x' {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() > 0 {
		return b.String() + "-" + strings.ToUpper(book.ID.String()[:4])
	}
	return "BK-" + strings.ToUpper(book.ID.String()[:8])
}

func (s *libraryService) checkShelf(tx *gorm.DB, shelfID *uint) error {
	if shelfID == nil {
		return nil
	}
	if _, err := s.repos.Shelves.GetByID(tx, *shelfID); err != nil {
		return notFound(err, ErrShelfNotFound)
	}
	return nil
}

// ─── Users ────────────────────────────────────────────────────────────────────

// CreateUser registers a user. Limits left at zero take the library defaults.
func (s *libraryService) CreateUser(ctx context.Context, in NewUser) (*models.User, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Email) == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "name and email are required")
	}
	if in.MaxBooksAllowed < 0 || in.LoanPeriodDays < 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "limits must not be negative")
	}
	role := in.Role
	switch role {
	case "":
		role = models.UserRoleReader
	case models.UserRoleReader, models.UserRoleLibrarian, models.UserRoleAdmin:
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "role %q", role)
	}
	user := &models.User{
		ID:              uuid.New(),
		Name:            strings.TrimSpace(in.Name),
		Email:           strings.ToLower(strings.TrimSpace(in.Email)),
		Role:            role,
		MaxBooksAllowed: in.MaxBooksAllowed,
		LoanPeriodDays:  in.LoanPeriodDays,
	}
	if user.MaxBooksAllowed == 0 {
		user.MaxBooksAllowed = s.policy.DefaultMaxBooks
	}
	if user.LoanPeriodDays == 0 {
		user.LoanPeriodDays = s.policy.DefaultLoanPeriodDays
	}
	if err := s.repos.Users.Create(s.db.WithContext(ctx), user); err != nil {
		s.log.Error("CreateUser: failed to create user", zap.String("email", user.Email), zap.Error(err))
		return nil, err
	}
	s.log.Info("CreateUser: user created", zap.Stringer("user_id", user.ID), zap.String("role", string(user.Role)))
	return user, nil
}

func (s *libraryService) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.repos.Users.GetByID(s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return user, nil
}
