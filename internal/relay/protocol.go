package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/gorelay/internal/store"
)

// Frame types.
const (
	TypeRegister = "register"
	TypeMessage  = "message"
	TypeInfo     = "info"
	TypeError    = "error"
)

// Notices sent to clients in info frames.
const (
	NoticeReady     = "ready"
	NoticeDelivered = "message delivered"
	NoticeOffline   = "recipient offline, message will be delivered later"
	NoticeGroupSent = "message sent to group"
)

// inboundFrame is any client to server frame.
type inboundFrame struct {
	Type        string   `json:"type" validate:"required,oneof=register message"`
	UserID      string   `json:"userId,omitempty" validate:"required_if=Type register,max=128"`
	UserName    string   `json:"userName,omitempty" validate:"max=128"`
	GroupID     string   `json:"groupId,omitempty" validate:"max=128"`
	GroupIDs    []string `json:"groupIds,omitempty" validate:"max=64,dive,required,max=128"`
	SenderID    string   `json:"senderId,omitempty" validate:"max=128"`
	Content     string   `json:"content,omitempty" validate:"required_if=Type message"`
	RecipientID string   `json:"recipientId,omitempty" validate:"max=128"`
}

// MessageFrame is the server to client representation of a message. It is
// also the payload carried between instances.
type MessageFrame struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName,omitempty"`
	Content     string    `json:"content"`
	GroupID     string    `json:"groupId,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NoticeFrame is an info or error frame.
type NoticeFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func decodeFrame(raw []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, errors.New("malformed frame: expected a JSON object")
	}
	f.Type = strings.ToLower(strings.TrimSpace(f.Type))
	if err := validate.Struct(f); err != nil {
		return f, describeValidation(err)
	}
	return f, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid frame: %v", err)
	}
	fe := verrs[0]
	field, _, _ := strings.Cut(fe.Field(), "[")
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("invalid frame: %s is required", field)
	case "oneof":
		return fmt.Errorf("invalid frame: unknown type %q", fe.Value())
	case "max":
		return fmt.Errorf("invalid frame: %s is too long", field)
	default:
		return fmt.Errorf("invalid frame: %s failed %s", field, fe.Tag())
	}
}

// NewMessageFrame converts a stored message to its wire form.
func NewMessageFrame(msg store.Message) MessageFrame {
	return MessageFrame{
		Type:        TypeMessage,
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		GroupID:     msg.GroupID,
		RecipientID: msg.RecipientID,
		CreatedAt:   msg.CreatedAt.UTC(),
	}
}

func (f MessageFrame) message() store.Message {
	return store.Message{
		ID:          f.ID,
		SenderID:    f.SenderID,
		SenderName:  f.SenderName,
		Content:     f.Content,
		GroupID:     f.GroupID,
		RecipientID: f.RecipientID,
		CreatedAt:   f.CreatedAt,
	}
}

func encodeMessage(msg store.Message) []byte {
	b, _ := json.Marshal(NewMessageFrame(msg))
	return b
}

func notice(kind, message string) []byte {
	b, _ := json.Marshal(NoticeFrame{Type: kind, Message: message})
	return b
}

// InfoFrame encodes an info frame.
func InfoFrame(message string) []byte { return notice(TypeInfo, message) }

// ErrorFrame encodes an error frame.
func ErrorFrame(message string) []byte { return notice(TypeError, message) }
