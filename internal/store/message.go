package store

import "time"

// Message is one chat event. Exactly one of RecipientID and GroupID is set.
// Delivered only applies to direct messages.
type Message struct {
	ID          string
	SenderID    string
	SenderName  string
	Content     string
	RecipientID string
	GroupID     string
	CreatedAt   time.Time
	Delivered   bool
	DeliveredAt *time.Time
}

// IsDirect reports whether the message targets a single recipient.
func (m *Message) IsDirect() bool { return m.RecipientID != "" }

type messageRecord struct {
	ID          string     `gorm:"primaryKey;size:36"`
	Seq         int64      `gorm:"not null;index:idx_messages_recipient_pending,priority:3;index:idx_messages_group_seq,priority:2"`
	SenderID    string     `gorm:"size:128;not null;index"`
	SenderName  string     `gorm:"size:128"`
	RecipientID string     `gorm:"size:128;index:idx_messages_recipient_pending,priority:1"`
	GroupID     string     `gorm:"size:128;index:idx_messages_group_seq,priority:1"`
	Content     []byte     `gorm:"not null"`
	Codec       string     `gorm:"size:32;not null"`
	Delivered   bool       `gorm:"not null;default:false;index:idx_messages_recipient_pending,priority:2"`
	CreatedAt   time.Time  `gorm:"not null"`
	DeliveredAt *time.Time
}

func (messageRecord) TableName() string { return "messages" }

// GroupMember is one row of the group membership table.
type GroupMember struct {
	GroupID   string `gorm:"primaryKey;size:128"`
	UserID    string `gorm:"primaryKey;size:128;index"`
	CreatedAt time.Time
}

func (GroupMember) TableName() string { return "group_members" }
