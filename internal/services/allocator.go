package services

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/repositories"
)

// InstanceAllocator binds physical copies to reservations and loans. Every method runs inside
// the caller's transaction and locks the owning book row first, so all allocation work for one
// book is serialized and Book.AvailableCopies moves together with the instance statuses.
type InstanceAllocator struct {
	books     repositories.BookRepository
	instances repositories.BookInstanceRepository
	log       *zap.Logger
}

func NewInstanceAllocator(books repositories.BookRepository, instances repositories.BookInstanceRepository, log *zap.Logger) *InstanceAllocator {
	return &InstanceAllocator{books: books, instances: instances, log: log}
}

// Allocate picks an available instance of the book, moves it to target (RESERVED or BORROWED)
// and decrements the book's available count.
//
// With a preferred instance, that instance must belong to the book and be available.
// Otherwise the first available instance in shelf order is taken.
func (a *InstanceAllocator) Allocate(tx *gorm.DB, bookID uuid.UUID, preferred *uuid.UUID, target models.BookInstanceStatus) (*models.BookInstance, error) {
	if !target.IsHeld() {
		return nil, errors.Wrapf(ErrInvalidArgument, "allocation target %s", target)
	}

	book, err := a.books.GetByIDForUpdate(tx, bookID)
	if err != nil {
		return nil, notFound(err, ErrBookNotFound)
	}

	var instance *models.BookInstance
	if preferred != nil {
		instance, err = a.instances.GetByIDForUpdate(tx, *preferred)
		if err != nil {
			return nil, notFound(err, ErrInstanceNotFound)
		}
		if instance.BookID != bookID || instance.Status != models.BookInstanceStatusAvailable || !instance.IsActive {
			a.log.Warn("Allocate: preferred instance unavailable",
				zap.Stringer("book_id", bookID),
				zap.Stringer("instance_id", instance.ID),
				zap.String("status", string(instance.Status)))
			return nil, errors.Wrapf(ErrInstanceUnavailable, "instance %s", instance.InstanceCode)
		}
	} else {
		instance, err = a.instances.FindAvailableForUpdate(tx, bookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, errors.Wrapf(ErrNoCopiesAvailable, "book %s", book.Title)
			}
			return nil, err
		}
	}

	if book.AvailableCopies <= 0 {
		a.log.Error("Allocate: available instance found but book count is not positive",
			zap.Stringer("book_id", bookID),
			zap.Int("available_copies", book.AvailableCopies))
		return nil, errors.Wrapf(ErrInvariantViolation, "book %s available count %d", bookID, book.AvailableCopies)
	}

	if err := a.instances.UpdateStatus(tx, instance.ID, models.BookInstanceStatusAvailable, target); err != nil {
		return nil, notFound(err, ErrInstanceUnavailable)
	}
	if err := a.books.AdjustCopies(tx, bookID, 0, -1); err != nil {
		return nil, err
	}
	if err := a.verifyAvailableCount(tx, bookID); err != nil {
		return nil, err
	}

	instance.Status = target
	a.log.Info("Allocate: instance allocated",
		zap.Stringer("book_id", bookID),
		zap.Stringer("instance_id", instance.ID),
		zap.String("instance_code", instance.InstanceCode),
		zap.String("status", string(target)))
	return instance, nil
}

// Release returns a held instance to the shelf and increments the book's available count.
// Releasing an instance that is not RESERVED or BORROWED fails with ErrInvalidState, which is
// what makes a second release of the same hold a rejected no-op.
func (a *InstanceAllocator) Release(tx *gorm.DB, instanceID uuid.UUID) (*models.BookInstance, error) {
	instance, err := a.lockInstanceWithBook(tx, instanceID)
	if err != nil {
		return nil, err
	}
	if !instance.Status.IsHeld() {
		a.log.Warn("Release: instance is not held",
			zap.Stringer("instance_id", instanceID),
			zap.String("status", string(instance.Status)))
		return nil, errors.Wrapf(ErrInvalidState, "release instance in status %s", instance.Status)
	}

	if err := a.instances.UpdateStatus(tx, instance.ID, instance.Status, models.BookInstanceStatusAvailable); err != nil {
		return nil, notFound(err, ErrInvalidState)
	}
	if err := a.books.AdjustCopies(tx, instance.BookID, 0, 1); err != nil {
		return nil, err
	}
	if err := a.verifyAvailableCount(tx, instance.BookID); err != nil {
		return nil, err
	}

	a.log.Info("Release: instance back on shelf",
		zap.Stringer("book_id", instance.BookID),
		zap.Stringer("instance_id", instance.ID),
		zap.String("from", string(instance.Status)))
	instance.Status = models.BookInstanceStatusAvailable
	return instance, nil
}

// Promote hands a reserved instance over to a loan. The available count is unchanged because
// the instance already left the shelf when it was reserved.
func (a *InstanceAllocator) Promote(tx *gorm.DB, instanceID uuid.UUID) (*models.BookInstance, error) {
	return a.move(tx, instanceID, models.BookInstanceStatusReserved, models.BookInstanceStatusBorrowed)
}

// MarkLost records that a borrowed instance will not come back.
func (a *InstanceAllocator) MarkLost(tx *gorm.DB, instanceID uuid.UUID) (*models.BookInstance, error) {
	return a.move(tx, instanceID, models.BookInstanceStatusBorrowed, models.BookInstanceStatusLost)
}

// SetShelfStatus switches an instance nobody holds between AVAILABLE, DAMAGED and LOST,
// keeping the available count in step.
func (a *InstanceAllocator) SetShelfStatus(tx *gorm.DB, instanceID uuid.UUID, status models.BookInstanceStatus) (*models.BookInstance, error) {
	if status.IsHeld() {
		return nil, errors.Wrapf(ErrInvalidArgument, "status %s is assigned by circulation", status)
	}
	instance, err := a.lockInstanceWithBook(tx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.Status.IsHeld() {
		return nil, errors.Wrapf(ErrInvalidState, "instance %s is %s", instance.InstanceCode, instance.Status)
	}
	if instance.Status == status {
		return instance, nil
	}
	if status == models.BookInstanceStatusAvailable && !instance.IsActive {
		return nil, errors.Wrapf(ErrInvalidState, "instance %s is withdrawn", instance.InstanceCode)
	}

	delta := 0
	if instance.Status == models.BookInstanceStatusAvailable {
		delta = -1
	} else if status == models.BookInstanceStatusAvailable {
		delta = 1
	}
	if err := a.instances.UpdateStatus(tx, instance.ID, instance.Status, status); err != nil {
		return nil, notFound(err, ErrInvalidState)
	}
	if delta != 0 {
		if err := a.books.AdjustCopies(tx, instance.BookID, 0, delta); err != nil {
			return nil, err
		}
	}
	if err := a.verifyAvailableCount(tx, instance.BookID); err != nil {
		return nil, err
	}
	instance.Status = status
	return instance, nil
}

// SetActive withdraws an instance from circulation or returns it. Only a DAMAGED or LOST copy
// can be withdrawn, so an inactive copy is never counted as available.
func (a *InstanceAllocator) SetActive(tx *gorm.DB, instanceID uuid.UUID, active bool) (*models.BookInstance, error) {
	instance, err := a.lockInstanceWithBook(tx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.IsActive == active {
		return instance, nil
	}
	if !active && (instance.Status == models.BookInstanceStatusAvailable || instance.Status.IsHeld()) {
		return nil, errors.Wrapf(ErrInvalidState, "instance %s is %s", instance.InstanceCode, instance.Status)
	}
	if err := a.instances.SetActive(tx, instance.ID, active); err != nil {
		return nil, err
	}
	instance.IsActive = active
	return instance, nil
}

// Remove deletes an instance nobody holds. Historical loans and reservations keep their rows
// with the instance reference cleared.
func (a *InstanceAllocator) Remove(tx *gorm.DB, instanceID uuid.UUID, loans repositories.BorrowedBookRepository, reservations repositories.ReservationRepository) (*models.BookInstance, error) {
	instance, err := a.lockInstanceWithBook(tx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.Status.IsHeld() {
		return nil, errors.Wrapf(ErrInvalidState, "instance %s is %s", instance.InstanceCode, instance.Status)
	}
	if err := loans.ClearInstance(tx, instanceID); err != nil {
		return nil, err
	}
	if err := reservations.ClearInstance(tx, instanceID); err != nil {
		return nil, err
	}
	if err := a.instances.Delete(tx, instanceID); err != nil {
		return nil, err
	}
	availableDelta := 0
	if instance.Status == models.BookInstanceStatusAvailable {
		availableDelta = -1
	}
	if err := a.books.AdjustCopies(tx, instance.BookID, -1, availableDelta); err != nil {
		return nil, err
	}
	if err := a.verifyAvailableCount(tx, instance.BookID); err != nil {
		return nil, err
	}
	return instance, nil
}

// VerifyBook recounts a book's instances and compares them with its cached counters.
func (a *InstanceAllocator) VerifyBook(tx *gorm.DB, bookID uuid.UUID) error {
	if _, err := a.books.GetByID(tx, bookID); err != nil {
		return notFound(err, ErrBookNotFound)
	}
	if err := a.verifyAvailableCount(tx, bookID); err != nil {
		return err
	}
	return a.verifyTotalCount(tx, bookID)
}

func (a *InstanceAllocator) move(tx *gorm.DB, instanceID uuid.UUID, from, to models.BookInstanceStatus) (*models.BookInstance, error) {
	instance, err := a.lockInstanceWithBook(tx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.Status != from {
		return nil, errors.Wrapf(ErrInvalidState, "instance %s is %s, expected %s", instance.InstanceCode, instance.Status, from)
	}
	if err := a.instances.UpdateStatus(tx, instance.ID, from, to); err != nil {
		return nil, notFound(err, ErrInvalidState)
	}
	instance.Status = to
	return instance, nil
}

// lockInstanceWithBook takes the book lock before the instance lock, the same order Allocate
// uses, so concurrent allocators and releasers never wait on each other in a cycle.
func (a *InstanceAllocator) lockInstanceWithBook(tx *gorm.DB, instanceID uuid.UUID) (*models.BookInstance, error) {
	peek, err := a.instances.GetByID(tx, instanceID)
	if err != nil {
		return nil, notFound(err, ErrInstanceNotFound)
	}
	if _, err := a.books.GetByIDForUpdate(tx, peek.BookID); err != nil {
		return nil, notFound(err, ErrBookNotFound)
	}
	instance, err := a.instances.GetByIDForUpdate(tx, instanceID)
	if err != nil {
		return nil, notFound(err, ErrInstanceNotFound)
	}
	return instance, nil
}

func (a *InstanceAllocator) verifyAvailableCount(tx *gorm.DB, bookID uuid.UUID) error {
	book, err := a.books.GetByID(tx, bookID)
	if err != nil {
		return err
	}
	available, err := a.instances.CountByStatus(tx, bookID, models.BookInstanceStatusAvailable)
	if err != nil {
		return err
	}
	if book.AvailableCopies != available {
		a.log.Error("available count out of sync with instances",
			zap.Stringer("book_id", bookID),
			zap.Int("available_copies", book.AvailableCopies),
			zap.Int("available_instances", available))
		return errors.Wrapf(ErrInvariantViolation, "book %s: available_copies=%d, available instances=%d", bookID, book.AvailableCopies, available)
	}
	return nil
}

func (a *InstanceAllocator) verifyTotalCount(tx *gorm.DB, bookID uuid.UUID) error {
	book, err := a.books.GetByID(tx, bookID)
	if err != nil {
		return err
	}
	total, err := a.instances.CountByBook(tx, bookID)
	if err != nil {
		return err
	}
	if book.TotalCopies != total {
		a.log.Error("total count out of sync with instances",
			zap.Stringer("book_id", bookID),
			zap.Int("total_copies", book.TotalCopies),
			zap.Int("instances", total))
		return errors.Wrapf(ErrInvariantViolation, "book %s: total_copies=%d, instances=%d", bookID, book.TotalCopies, total)
	}
	return nil
}
