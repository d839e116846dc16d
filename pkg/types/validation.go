package types

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// FUNCTIONAL DISCOVERY: validator and regex built once at package initialization
// for the per-frame hot path
var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
	validate    = validator.New(validator.WithRequiredStructEnabled())
)

// ParseFrame decodes and validates one inbound frame.
// Every failure is returned as a *ProtocolError so the caller can drop the frame
// and keep the connection.
func ParseFrame(data []byte) (*Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ProtocolError{Err: ErrEmptyFrame}
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, &ProtocolError{Err: errors.Join(ErrMalformedFrame, err)}
	}
	frame.Raw = data

	if err := validate.Struct(&frame); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].StructField() == "Type" {
			return nil, &ProtocolError{Err: ErrMissingType}
		}
		return nil, &ProtocolError{FrameType: frame.Type, Err: ErrInvalidRoomID}
	}

	if !IsKnownFrameType(frame.Type) {
		return nil, &ProtocolError{FrameType: frame.Type, Err: ErrUnknownFrameType}
	}

	return &frame, nil
}

// ChatContent extracts the message text from a message frame's data field.
// Accepts {"content": "..."} or a bare JSON string.
func ChatContent(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyContent
	}

	var content string
	switch data[0] {
	case '"':
		if err := json.Unmarshal(data, &content); err != nil {
			return "", ErrInvalidContent
		}
	case '{':
		var body struct {
			Content *string `json:"content"`
		}
		if err := json.Unmarshal(data, &body); err != nil || body.Content == nil {
			return "", ErrInvalidContent
		}
		content = *body.Content
	default:
		return "", ErrInvalidContent
	}

	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	if len(content) > MaxContentBytes {
		return "", ErrContentTooLarge
	}
	return content, nil
}

// IsValidUserID checks if a resolved user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-128 characters, ids from identity providers include '.' and '@'
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 128 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsKnownFrameType reports whether t is any inbound frame type
func IsKnownFrameType(t string) bool {
	switch t {
	case FrameJoin, FrameLeave, FrameMessage:
		return true
	default:
		return IsSignalingType(t)
	}
}

// IsSignalingType reports whether t is offer, answer or ice-candidate
func IsSignalingType(t string) bool {
	switch t {
	case FrameOffer, FrameAnswer, FrameICECandidate:
		return true
	default:
		return false
	}
}
