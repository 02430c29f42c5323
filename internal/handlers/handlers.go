package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/notifications"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/services"
)

// NotificationStore is the read side of the stored notifications.
type NotificationStore interface {
	ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool) ([]models.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

type LibraryHandler struct {
	svc   services.LibraryService
	store NotificationStore
	clock services.Clock
	log   *zap.Logger
}

func RegisterRoutes(r *gin.Engine, svc services.LibraryService, store NotificationStore, clock services.Clock, log *zap.Logger) {
	registerValidations()
	h := &LibraryHandler{svc: svc, store: store, clock: clock, log: log}

	// Librarian endpoints
	r.POST("/shelves", h.createShelf)
	r.POST("/books", h.createBook)
	r.DELETE("/books/:id", h.deleteBook)
	r.POST("/books/:id/instances", h.addBookInstance)
	r.GET("/books/:id/consistency", h.checkConsistency)
	r.PATCH("/instances/:id/status", h.setInstanceStatus)
	r.PATCH("/instances/:id/active", h.setInstanceActive)
	r.DELETE("/instances/:id", h.deleteInstance)
	r.POST("/users", h.createUser)
	r.POST("/reservations/:id/approve", h.approveReservation)
	r.POST("/reservations/:id/issue", h.issueReservation)
	r.POST("/loans/:id/lost", h.reportLost)
	r.POST("/sweeps", h.runSweep)

	// Reader endpoints
	r.POST("/reservations", h.createReservation)
	r.POST("/reservations/:id/cancel", h.cancelReservation)
	r.POST("/books/:id/borrow", h.borrowBook)
	r.POST("/loans/:id/return", h.returnLoan)
	r.POST("/fines/:id/pay", h.payFine)
	r.POST("/notifications/:id/read", h.markNotificationRead)

	// General endpoints
	r.GET("/shelves", h.listShelves)
	r.GET("/books", h.listBooks)
	r.GET("/books/:id", h.getBook)
	r.GET("/books/:id/instances", h.listBookInstances)
	r.GET("/users/:id", h.getUser)
	r.GET("/users/:id/reservations", h.listUserReservations)
	r.GET("/users/:id/loans", h.listUserLoans)
	r.GET("/users/:id/fines", h.listUserFines)
	r.GET("/users/:id/notifications", h.listUserNotifications)
	r.GET("/reservations/:id", h.getReservation)
	r.GET("/loans/:id", h.getLoan)
}

// ─── Views ────────────────────────────────────────────────────────────────────

type loanView struct {
	models.BorrowedBook
	IsReturned  bool `json:"is_returned"`
	IsOverdue   bool `json:"is_overdue"`
	DaysOverdue int  `json:"days_overdue"`
}

func (h *LibraryHandler) loanView(l models.BorrowedBook) loanView {
	now := h.clock.Now()
	return loanView{
		BorrowedBook: l,
		IsReturned:   l.IsReturned(),
		IsOverdue:    l.IsOverdue(now),
		DaysOverdue:  l.DaysOverdue(now),
	}
}

type reservationView struct {
	models.Reservation
	EffectiveStatus models.ReservationStatus `json:"effective_status"`
}

func (h *LibraryHandler) reservationView(r models.Reservation) reservationView {
	return reservationView{Reservation: r, EffectiveStatus: r.EffectiveStatus(h.clock.Now())}
}

type notificationView struct {
	ID        uuid.UUID              `json:"id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	IsRead    bool                   `json:"is_read"`
	CreatedAt time.Time              `json:"created_at"`
}

// ─── Errors ───────────────────────────────────────────────────────────────────

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, notifications.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNoCopiesAvailable),
		errors.Is(err, services.ErrInstanceUnavailable),
		errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrAlreadyReturned),
		errors.Is(err, services.ErrAlreadyPaid),
		errors.Is(err, services.ErrUserBorrowLimitExceeded),
		errors.Is(err, services.ErrDuplicateReservation),
		errors.Is(err, services.ErrBookHasOpenLoans):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *LibraryHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func parseID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

type createShelfRequest struct {
	Code     string `json:"code" binding:"required,max=32"`
	Category string `json:"category" binding:"max=128"`
	Location string `json:"location" binding:"max=255"`
	Capacity int    `json:"capacity" binding:"min=0"`
}

func (h *LibraryHandler) createShelf(c *gin.Context) {
	var req createShelfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	shelf, err := h.svc.CreateShelf(c.Request.Context(), services.NewShelf{
		Code:     req.Code,
		Category: req.Category,
		Location: req.Location,
		Capacity: req.Capacity,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, shelf)
}

func (h *LibraryHandler) listShelves(c *gin.Context) {
	shelves, err := h.svc.ListShelves(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, shelves)
}

type createBookRequest struct {
	Title   string `json:"title" binding:"required,max=255"`
	Authors string `json:"authors" binding:"required,max=512"`
	ISBN    string `json:"isbn" binding:"omitempty,isbn"`
	ShelfID *uint  `json:"shelf_id"`
	Copies  int    `json:"copies" binding:"min=0,max=1000"`
}

func (h *LibraryHandler) createBook(c *gin.Context) {
	var req createBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	book, err := h.svc.CreateBook(c.Request.Context(), services.NewBook{
		Title:   req.Title,
		Authors: req.Authors,
		ISBN:    req.ISBN,
		ShelfID: req.ShelfID,
		Copies:  req.Copies,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

type addBookInstanceRequest struct {
	ShelfID       *uint  `json:"shelf_id"`
	ShelfPosition *int   `json:"shelf_position" binding:"omitempty,min=0"`
	Condition     string `json:"condition" binding:"omitempty,oneof=NEW GOOD WORN POOR"`
}

func (h *LibraryHandler) addBookInstance(c *gin.Context) {
	bookID, ok := parseID(c, "book")
	if !ok {
		return
	}
	var req addBookInstanceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	instance, err := h.svc.AddBookInstance(c.Request.Context(), bookID, services.NewInstance{
		ShelfID:       req.ShelfID,
		ShelfPosition: req.ShelfPosition,
		Condition:     models.InstanceCondition(req.Condition),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, instance)
}

func (h *LibraryHandler) listBooks(c *gin.Context) {
	books, err := h.svc.ListBooks(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (h *LibraryHandler) getBook(c *gin.Context) {
	bookID, ok := parseID(c, "book")
	if !ok {
		return
	}
	book, err := h.svc.GetBook(c.Request.Context(), bookID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *LibraryHandler) listBookInstances(c *gin.Context) {
	bookID, ok := parseID(c, "book")
	if !ok {
		return
	}
	instances, err := h.svc.ListBookInstances(c.Request.Context(), bookID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, instances)
}

func (h *LibraryHandler) deleteBook(c *gin.Context) {
	bookID, ok := parseID(c, "book")
	if !ok {
		return
	}
	if err := h.svc.DeleteBook(c.Request.Context(), bookID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LibraryHandler) checkConsistency(c *gin.Context) {
	bookID, ok := parseID(c, "book")
	if !ok {
		return
	}
	if err := h.svc.CheckCatalogConsistency(c.Request.Context(), bookID); err != nil {
		if errors.Is(err, services.ErrInvariantViolation) {
			c.JSON(http.StatusOK, gin.H{"consistent": false, "error": err.Error()})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consistent": true})
}

type setInstanceStatusRequest struct {
	Status string `json:"status" binding:"required,instance_status"`
}

func (h *LibraryHandler) setInstanceStatus(c *gin.Context) {
	instanceID, ok := parseID(c, "instance")
	if !ok {
		return
	}
	var req setInstanceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	status := models.BookInstanceStatus(strings.ToUpper(req.Status))
	instance, err := h.svc.SetInstanceStatus(c.Request.Context(), instanceID, status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

type setInstanceActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *LibraryHandler) setInstanceActive(c *gin.Context) {
	instanceID, ok := parseID(c, "instance")
	if !ok {
		return
	}
	var req setInstanceActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	instance, err := h.svc.SetInstanceActive(c.Request.Context(), instanceID, *req.Active)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (h *LibraryHandler) deleteInstance(c *gin.Context) {
	instanceID, ok := parseID(c, "instance")
	if !ok {
		return
	}
	if err := h.svc.DeleteInstance(c.Request.Context(), instanceID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── Users ────────────────────────────────────────────────────────────────────

type createUserRequest struct {
	Name            string `json:"name" binding:"required,max=255"`
	Email           string `json:"email" binding:"required,email"`
	Role            string `json:"role" binding:"omitempty,oneof=READER LIBRARIAN ADMIN"`
	MaxBooksAllowed int    `json:"max_books_allowed" binding:"min=0,max=100"`
	LoanPeriodDays  int    `json:"loan_period_days" binding:"min=0,max=365"`
}

func (h *LibraryHandler) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	user, err := h.svc.CreateUser(c.Request.Context(), services.NewUser{
		Name:            req.Name,
		Email:           req.Email,
		Role:            models.UserRole(req.Role),
		MaxBooksAllowed: req.MaxBooksAllowed,
		LoanPeriodDays:  req.LoanPeriodDays,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *LibraryHandler) getUser(c *gin.Context) {
	userID, ok := parseID(c, "user")
	if !ok {
		return
	}
	user, err := h.svc.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// ─── Reservations ─────────────────────────────────────────────────────────────

type createReservationRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
	BookID string `json:"book_id" binding:"required,uuid"`
	Notes  string `json:"notes" binding:"max=1024"`
}

func (h *LibraryHandler) createReservation(c *gin.Context) {
	var req createReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rv, err := h.svc.CreateReservation(c.Request.Context(), uuid.MustParse(req.UserID), uuid.MustParse(req.BookID), req.Notes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.reservationView(*rv))
}

func (h *LibraryHandler) getReservation(c *gin.Context) {
	id, ok := parseID(c, "reservation")
	if !ok {
		return
	}
	rv, err := h.svc.GetReservation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.reservationView(*rv))
}

func (h *LibraryHandler) approveReservation(c *gin.Context) {
	id, ok := parseID(c, "reservation")
	if !ok {
		return
	}
	rv, err := h.svc.ApproveReservation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.reservationView(*rv))
}

func (h *LibraryHandler) issueReservation(c *gin.Context) {
	id, ok := parseID(c, "reservation")
	if !ok {
		return
	}
	loan, err := h.svc.IssueReservation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.loanView(*loan))
}

type cancelReservationRequest struct {
	ByUser bool `json:"by_user"`
}

func (h *LibraryHandler) cancelReservation(c *gin.Context) {
	id, ok := parseID(c, "reservation")
	if !ok {
		return
	}
	var req cancelReservationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	rv, err := h.svc.CancelReservation(c.Request.Context(), id, req.ByUser)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.reservationView(*rv))
}

func (h *LibraryHandler) listUserReservations(c *gin.Context) {
	userID, ok := parseID(c, "user")
	if !ok {
		return
	}
	list, err := h.svc.ListUserReservations(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]reservationView, 0, len(list))
	for _, rv := range list {
		out = append(out, h.reservationView(rv))
	}
	c.JSON(http.StatusOK, out)
}

// ─── Loans ────────────────────────────────────────────────────────────────────

type borrowRequest struct {
	UserID     string `json:"user_id" binding:"required,uuid"`
	InstanceID string `json:"instance_id" binding:"omitempty,uuid"`
}

func (h *LibraryHandler) borrowBook(c *gin.Context) {
	bookID, ok := parseID(c, "book")
	if !ok {
		return
	}
	var req borrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	var preferred *uuid.UUID
	if req.InstanceID != "" {
		id := uuid.MustParse(req.InstanceID)
		preferred = &id
	}
	loan, err := h.svc.BorrowBook(c.Request.Context(), uuid.MustParse(req.UserID), bookID, preferred)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.loanView(*loan))
}

func (h *LibraryHandler) returnLoan(c *gin.Context) {
	loanID, ok := parseID(c, "loan")
	if !ok {
		return
	}
	loan, err := h.svc.ReturnLoan(c.Request.Context(), loanID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.loanView(*loan))
}

func (h *LibraryHandler) reportLost(c *gin.Context) {
	loanID, ok := parseID(c, "loan")
	if !ok {
		return
	}
	loan, err := h.svc.ReportLost(c.Request.Context(), loanID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.loanView(*loan))
}

func (h *LibraryHandler) getLoan(c *gin.Context) {
	loanID, ok := parseID(c, "loan")
	if !ok {
		return
	}
	loan, err := h.svc.GetLoan(c.Request.Context(), loanID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.loanView(*loan))
}

func (h *LibraryHandler) listUserLoans(c *gin.Context) {
	userID, ok := parseID(c, "user")
	if !ok {
		return
	}
	loans, err := h.svc.ListUserLoans(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]loanView, 0, len(loans))
	for _, l := range loans {
		out = append(out, h.loanView(l))
	}
	c.JSON(http.StatusOK, out)
}

// ─── Fines ────────────────────────────────────────────────────────────────────

type sweepRequest struct {
	AsOf string `json:"as_of"`
}

// runSweep triggers the overdue sweep, by default as of now. Partial failures still report
// the fines that were created.
func (h *LibraryHandler) runSweep(c *gin.Context) {
	var req sweepRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	asOf := h.clock.Now()
	if req.AsOf != "" {
		t, err := services.ParseAsOf(req.AsOf)
		if err != nil {
			badRequest(c, "as_of must be YYYY-MM-DD or RFC 3339")
			return
		}
		asOf = t
	}
	fines, err := h.svc.RunOverdueSweep(c.Request.Context(), asOf)
	if fines == nil {
		fines = []models.FineRecord{}
	}
	if err != nil {
		h.log.Error("runSweep: sweep finished with errors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"as_of": asOf, "fines": fines, "error": "sweep finished with errors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"as_of": asOf, "fines": fines})
}

func (h *LibraryHandler) payFine(c *gin.Context) {
	fineID, ok := parseID(c, "fine")
	if !ok {
		return
	}
	fine, err := h.svc.PayFine(c.Request.Context(), fineID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fine)
}

func (h *LibraryHandler) listUserFines(c *gin.Context) {
	userID, ok := parseID(c, "user")
	if !ok {
		return
	}
	fines, err := h.svc.ListUserFines(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fines)
}

// ─── Notifications ────────────────────────────────────────────────────────────

func (h *LibraryHandler) listUserNotifications(c *gin.Context) {
	userID, ok := parseID(c, "user")
	if !ok {
		return
	}
	list, err := h.store.ListByUser(c.Request.Context(), userID, c.Query("unread") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]notificationView, 0, len(list))
	for _, n := range list {
		payload, err := notifications.DecodePayload(n)
		if err != nil {
			h.log.Warn("listUserNotifications: undecodable payload", zap.Stringer("notification_id", n.ID), zap.Error(err))
		}
		out = append(out, notificationView{ID: n.ID, Type: n.Type, Payload: payload, IsRead: n.IsRead, CreatedAt: n.CreatedAt})
	}
	c.JSON(http.StatusOK, out)
}

func (h *LibraryHandler) markNotificationRead(c *gin.Context) {
	id, ok := parseID(c, "notification")
	if !ok {
		return
	}
	if err := h.store.MarkRead(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
