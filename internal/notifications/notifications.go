// Package notifications delivers circulation events to users. Delivery is best effort: the
// services call Notify after their transaction has committed and only log failures.
package notifications

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Type string

const (
	TypeReservationCreated   Type = "RESERVATION_CREATED"
	TypeReservationApproved  Type = "RESERVATION_APPROVED"
	TypeReservationCancelled Type = "RESERVATION_CANCELLED"
	TypeReservationExpired   Type = "RESERVATION_EXPIRED"
	TypeBookIssued           Type = "BOOK_ISSUED"
	TypeBookReturned         Type = "BOOK_RETURNED"
	TypeBookLost             Type = "BOOK_LOST"
	TypeDueSoon              Type = "DUE_SOON"
	TypeOverdue              Type = "OVERDUE"
	TypeFineAdded            Type = "FINE_ADDED"
	TypeFinePaid             Type = "FINE_PAID"
)

// Event is one message for one user. A non-empty DedupKey makes repeated deliveries of the
// same logical event collapse into one stored notification.
type Event struct {
	UserID   uuid.UUID
	Type     Type
	Payload  map[string]interface{}
	DedupKey string
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Notify(ctx, event))
	}
	return err
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Logger writes events to a zap logger. Useful as the only notifier in development.
type Logger struct {
	log *zap.Logger
}

func NewLogger(log *zap.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Notify(_ context.Context, event Event) error {
	l.log.Info("notification",
		zap.Stringer("user_id", event.UserID),
		zap.String("type", string(event.Type)),
		zap.Any("payload", event.Payload),
	)
	return nil
}
