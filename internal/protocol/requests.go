package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxNameLength bounds display names in runes.
const MaxNameLength = 32

var (
	ErrMalformed      = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrTextTooLong    = errors.New("text too long")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("displayname", func(fl validator.FieldLevel) bool {
		return ValidDisplayName(fl.Field().String())
	})
	return v
}

// Request is a decoded client to server event.
type Request interface {
	EventName() string
}

type ChatRequest struct {
	Text string `json:"text" validate:"required"`
}

type RenameRequest struct {
	NewName string `json:"newName" validate:"required,displayname"`
}

type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

type PrivateRequest struct {
	To   string `json:"to" validate:"required,displayname"`
	Text string `json:"text" validate:"required"`
}

type AvatarStyleRequest struct {
	Style string `json:"style" validate:"required,oneof=boy girl"`
}

func (ChatRequest) EventName() string        { return EventChatMessage }
func (RenameRequest) EventName() string      { return EventRename }
func (TypingRequest) EventName() string      { return EventTyping }
func (PrivateRequest) EventName() string     { return EventPrivateMessage }
func (AvatarStyleRequest) EventName() string { return EventAvatarStyle }

// Decode parses one inbound frame. Text fields are trimmed before
// validation; maxText caps chat and private message text in runes.
func Decode(raw []byte, maxText int) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		req  Request
		text *string
		err  error
	)
	switch env.Event {
	case EventChatMessage:
		var r ChatRequest
		err = unmarshalData(env.Data, &r)
		r.Text = strings.TrimSpace(r.Text)
		req, text = &r, &r.Text
	case EventRename:
		var r RenameRequest
		err = unmarshalData(env.Data, &r)
		r.NewName = strings.TrimSpace(r.NewName)
		req = &r
	case EventTyping:
		var r TypingRequest
		err = unmarshalData(env.Data, &r)
		req = &r
	case EventPrivateMessage:
		var r PrivateRequest
		err = unmarshalData(env.Data, &r)
		r.To = strings.TrimSpace(r.To)
		r.Text = strings.TrimSpace(r.Text)
		req, text = &r, &r.Text
	case EventAvatarStyle:
		var r AvatarStyleRequest
		err = unmarshalData(env.Data, &r)
		r.Style = strings.ToLower(strings.TrimSpace(r.Style))
		req = &r
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := validate.Struct(req); err != nil {
		return deref(req), fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if text != nil && maxText > 0 && utf8.RuneCountInString(*text) > maxText {
		return deref(req), ErrTextTooLong
	}
	return deref(req), nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func deref(req Request) Request {
	switch r := req.(type) {
	case *ChatRequest:
		return *r
	case *RenameRequest:
		return *r
	case *TypingRequest:
		return *r
	case *PrivateRequest:
		return *r
	case *AvatarStyleRequest:
		return *r
	}
	return req
}

// ValidDisplayName reports whether name is usable as a display name: non
// empty, at most MaxNameLength runes, no control characters and no
// surrounding whitespace.
func ValidDisplayName(name string) bool {
	if name == "" || name != strings.TrimSpace(name) {
		return false
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
