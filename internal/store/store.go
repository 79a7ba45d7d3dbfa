// Package store persists relay messages and group memberships. Content is
// passed through a codec before it reaches the database, so rows may hold
// encrypted payloads while callers only ever see plain content.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Tyrowin/gorelay/internal/codec"
)

// Store is the durable message log used by the relay engine.
type Store interface {
	// Create persists msg and returns its id. Creating the same id twice is a no-op.
	Create(ctx context.Context, msg *Message) (string, error)
	MarkDelivered(ctx context.Context, id string) error
	// Get returns the message with id, or ErrNotFound.
	Get(ctx context.Context, id string) (Message, error)
	// FindUndelivered returns undelivered direct messages for recipientID, oldest first.
	FindUndelivered(ctx context.Context, recipientID string) ([]Message, error)
	// ListByGroup returns group messages oldest first. A positive limit keeps
	// only the most recent limit messages.
	ListByGroup(ctx context.Context, groupID string, limit int) ([]Message, error)
}

// MembershipStore answers group membership questions at registration time.
type MembershipStore interface {
	GroupsOf(ctx context.Context, userID string, groupIDs []string) ([]string, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
}

// GormStore implements Store and MembershipStore on top of gorm.
type GormStore struct {
	db     *gorm.DB
	codec  codec.Codec
	clock  *Clock
	logger *zap.Logger
}

// NewGormStore wraps an opened and migrated database.
func NewGormStore(db *gorm.DB, c codec.Codec, logger *zap.Logger) *GormStore {
	if c == nil {
		c = codec.Plain{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		codec:  c,
		clock:  NewClock(),
		logger: logger.With(zap.String("component", "store")),
	}
}

func validate(msg *Message) error {
	if msg.SenderID == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if (msg.RecipientID == "") == (msg.GroupID == "") {
		return fmt.Errorf("%w: exactly one of recipient and group must be set", ErrInvalidMessage)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, msg *Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	var seq int64
	if msg.CreatedAt.IsZero() {
		seq, msg.CreatedAt = s.clock.Next()
	} else {
		msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)
		seq = msg.CreatedAt.UnixMicro()
		s.clock.Observe(seq)
	}

	content, err := s.codec.Encode([]byte(msg.Content))
	if err != nil {
		return "", fmt.Errorf("%w: encode content: %v", ErrInvalidMessage, err)
	}

	rec := messageRecord{
		ID:          msg.ID,
		Seq:         seq,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		RecipientID: msg.RecipientID,
		GroupID:     msg.GroupID,
		Content:     content,
		Codec:       s.codec.Name(),
		CreatedAt:   msg.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("store: create message %s: %w", msg.ID, err)
	}
	msg.Delivered = false
	return msg.ID, nil
}

func (s *GormStore) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&messageRecord{}).
		Where("id = ? AND recipient_id <> ? AND delivered = ?", id, "", false).
		Updates(map[string]any{"delivered": true, "delivered_at": now})
	if res.Error != nil {
		return fmt.Errorf("store: mark delivered %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&messageRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("store: mark delivered %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (Message, error) {
	var rec messageRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return s.decode(&rec)
}

func (s *GormStore) FindUndelivered(ctx context.Context, recipientID string) ([]Message, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("recipient_id = ? AND delivered = ?", recipientID, false).
		Order("seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: find undelivered for %s: %w", recipientID, err)
	}
	return s.decodeAll(recs)
}

func (s *GormStore) ListByGroup(ctx context.Context, groupID string, limit int) ([]Message, error) {
	var recs []messageRecord
	q := s.db.WithContext(ctx).Where("group_id = ?", groupID)
	if limit > 0 {
		q = q.Order("seq DESC").Limit(limit)
	} else {
		q = q.Order("seq ASC")
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list group %s: %w", groupID, err)
	}
	if limit > 0 {
		slices.Reverse(recs)
	}
	return s.decodeAll(recs)
}

func (s *GormStore) GroupsOf(ctx context.Context, userID string, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var found []string
	err := s.db.WithContext(ctx).
		Model(&GroupMember{}).
		Where("user_id = ? AND group_id IN ?", userID, groupIDs).
		Pluck("group_id", &found).Error
	if err != nil {
		return nil, fmt.Errorf("store: groups of %s: %w", userID, err)
	}
	member := lo.SliceToMap(found, func(id string) (string, struct{}) { return id, struct{}{} })
	return lo.Filter(lo.Uniq(groupIDs), func(id string, _ int) bool {
		_, ok := member[id]
		return ok
	}), nil
}

func (s *GormStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	if groupID == "" || userID == "" {
		return fmt.Errorf("%w: group and user are required", ErrInvalidMessage)
	}
	m := GroupMember{GroupID: groupID, UserID: userID, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return fmt.Errorf("store: add member %s to %s: %w", userID, groupID, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) decodeAll(recs []messageRecord) ([]Message, error) {
	out := make([]Message, 0, len(recs))
	for i := range recs {
		msg, err := s.decode(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *GormStore) decode(rec *messageRecord) (Message, error) {
	content := rec.Content
	if rec.Codec != s.codec.Name() && rec.Codec != (codec.Plain{}).Name() {
		s.logger.Error("message stored with unknown codec",
			zap.String("message_id", rec.ID), zap.String("codec", rec.Codec))
		return Message{}, fmt.Errorf("store: message %s uses codec %q", rec.ID, rec.Codec)
	}
	if rec.Codec == s.codec.Name() {
		plain, err := s.codec.Decode(rec.Content)
		if err != nil {
			s.logger.Error("failed to decode message content", zap.String("message_id", rec.ID), zap.Error(err))
			return Message{}, fmt.Errorf("store: decode message %s: %w", rec.ID, err)
		}
		content = plain
	}
	return Message{
		ID:          rec.ID,
		SenderID:    rec.SenderID,
		SenderName:  rec.SenderName,
		Content:     string(content),
		RecipientID: rec.RecipientID,
		GroupID:     rec.GroupID,
		CreatedAt:   rec.CreatedAt.UTC(),
		Delivered:   rec.Delivered,
		DeliveredAt: rec.DeliveredAt,
	}, nil
}
