package services

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

func Test_CreateBook_CreatesNumberedCopies(t *testing.T) {
	e := newTestEnv(t)
	shelf, err := e.svc.CreateShelf(e.ctx(), NewShelf{Code: "A-1", Category: "Programming", Capacity: 40})
	require.NoError(t, err)

	book, err := e.svc.CreateBook(e.ctx(), NewBook{
		Title:   "  The Go Programming Language ",
		ISBN:    "978-0134190440",
		ShelfID: &shelf.ID,
		Copies:  3,
	})
	require.NoError(t, err)
	assert.Equal(t, "The Go Programming Language", book.Title)
	assert.Equal(t, 3, book.TotalCopies)
	assert.Equal(t, 3, book.AvailableCopies)

	instances, err := e.svc.ListBookInstances(e.ctx(), book.ID)
	require.NoError(t, err)
	require.Len(t, instances, 3)
	prefix := "9780134190440-" + strings.ToUpper(book.ID.String()[:4])
	for i, inst := range instances {
		assert.Equal(t, prefix+"-00"+string(rune('1'+i)), inst.InstanceCode)
		assert.Equal(t, models.BookInstanceStatusAvailable, inst.Status)
		assert.Equal(t, models.InstanceConditionNew, inst.Condition)
		require.NotNil(t, inst.ShelfID)
		assert.Equal(t, shelf.ID, *inst.ShelfID)
		require.NotNil(t, inst.ShelfPosition)
		assert.Equal(t, i+1, *inst.ShelfPosition)
		assert.True(t, inst.IsActive)
	}
	e.requireConsistent(book.ID)
}

func Test_CreateBook_Validation(t *testing.T) {
	e := newTestEnv(t)
	missingShelf := uint(99)

	testCases := []struct {
		name    string
		in      NewBook
		wantErr error
	}{
		{"blank title", NewBook{Title: "  ", Copies: 1}, ErrInvalidArgument},
		{"negative copies", NewBook{Title: "X", Copies: -1}, ErrInvalidArgument},
		{"unknown shelf", NewBook{Title: "X", ShelfID: &missingShelf}, ErrShelfNotFound},
	}
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.CreateBook(e.ctx(), tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	books, err := e.svc.ListBooks(e.ctx())
	require.NoError(t, err)
	assert.Empty(t, books)
}

func Test_AddBookInstance_SkipsTakenCodes(t *testing.T) {
	e := newTestEnv(t)
	book, err := e.svc.CreateBook(e.ctx(), NewBook{Title: "No ISBN", Copies: 2})
	require.NoError(t, err)
	instances, err := e.svc.ListBookInstances(e.ctx(), book.ID)
	require.NoError(t, err)
	prefix := "BK-" + strings.ToUpper(book.ID.String()[:8])
	assert.Equal(t, prefix+"-001", instances[0].InstanceCode)

	require.NoError(t, e.svc.DeleteInstance(e.ctx(), instances[0].ID))

	added, err := e.svc.AddBookInstance(e.ctx(), book.ID, NewInstance{Condition: models.InstanceConditionGood})
	require.NoError(t, err)
	assert.Equal(t, prefix+"-003", added.InstanceCode, "-002 is still taken")
	assert.Equal(t, models.InstanceConditionGood, added.Condition)

	b := e.reloadBook(book.ID)
	assert.Equal(t, 2, b.TotalCopies)
	assert.Equal(t, 2, b.AvailableCopies)
	e.requireConsistent(book.ID)

	_, err = e.svc.AddBookInstance(e.ctx(), uuid.New(), NewInstance{})
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func Test_DeleteBook(t *testing.T) {
	e := newTestEnv(t)
	book := e.newBook(2)
	reader := e.newUser(1)

	loan, err := e.svc.BorrowBook(e.ctx(), reader.ID, book.ID, nil)
	require.NoError(t, err)
	_, err = e.svc.CreateReservation(e.ctx(), e.newUser(1).ID, book.ID, "")
	require.NoError(t, err)

	err = e.svc.DeleteBook(e.ctx(), book.ID)
	assert.ErrorIs(t, err, ErrBookHasOpenLoans)
	_, err = e.svc.GetBook(e.ctx(), book.ID)
	require.NoError(t, err)

	_, err = e.svc.ReturnLoan(e.ctx(), loan.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.DeleteBook(e.ctx(), book.ID))

	_, err = e.svc.GetBook(e.ctx(), book.ID)
	assert.ErrorIs(t, err, ErrBookNotFound)
	_, err = e.svc.GetLoan(e.ctx(), loan.ID)
	assert.ErrorIs(t, err, ErrLoanNotFound)

	assert.ErrorIs(t, e.svc.DeleteBook(e.ctx(), book.ID), ErrBookNotFound)
}

func Test_CreateUser(t *testing.T) {
	e := newTestEnv(t, func(p *Policy) { p.DefaultMaxBooks = 4 })

	user, err := e.svc.CreateUser(e.ctx(), NewUser{Name: " Ada ", Email: " Ada@Example.ORG "})
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)
	assert.Equal(t, "ada@example.org", user.Email)
	assert.Equal(t, models.UserRoleReader, user.Role)
	assert.Equal(t, 4, user.MaxBooksAllowed)
	assert.Equal(t, LoanPeriodDays, user.LoanPeriodDays)
	assert.True(t, user.FineAmount.IsZero())

	got, err := e.svc.GetUser(e.ctx(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, got.Email)

	_, err = e.svc.CreateUser(e.ctx(), NewUser{Name: "X", Email: "x@example.org", Role: "ROOT"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.svc.CreateUser(e.ctx(), NewUser{Name: "X"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.svc.CreateUser(e.ctx(), NewUser{Name: "X", Email: "x@example.org", MaxBooksAllowed: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = e.svc.GetUser(e.ctx(), uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func Test_CreateShelf(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.svc.CreateShelf(e.ctx(), NewShelf{Code: " "})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = e.svc.CreateShelf(e.ctx(), NewShelf{Code: "B-2", Location: "Second floor"})
	require.NoError(t, err)
	shelves, err := e.svc.ListShelves(e.ctx())
	require.NoError(t, err)
	require.Len(t, shelves, 1)
	assert.Equal(t, "B-2", shelves[0].Code)
}
