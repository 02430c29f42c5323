package notifications

import (
	"context"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

// ErrNotificationNotFound is returned by MarkRead for an unknown id.
var ErrNotificationNotFound = errors.New("notification not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store persists notifications so clients can poll for them.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Notify(ctx context.Context, event Event) error {
	payload, err := json.MarshalToString(event.Payload)
	if err != nil {
		return errors.Wrap(err, "encode notification payload")
	}
	n := &models.Notification{
		ID:      uuid.New(),
		UserID:  event.UserID,
		Type:    string(event.Type),
		Payload: payload,
	}
	if event.DedupKey != "" {
		key := event.DedupKey
		n.DedupKey = &key
	}
	err = s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(n).Error
	return errors.Wrapf(err, "store notification %s for user %s", event.Type, event.UserID)
}

// ListByUser returns the user's notifications, newest first.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool) ([]models.Notification, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var out []models.Notification
	if err := q.Order("created_at DESC, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// DecodePayload parses a stored payload back into a map.
func DecodePayload(n models.Notification) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := json.UnmarshalFromString(n.Payload, &out); err != nil {
		return nil, errors.Wrap(err, "decode notification payload")
	}
	return out, nil
}
