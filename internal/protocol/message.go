// Package protocol defines the inbound chat envelope, its decoding rules,
// and the plain-text notices the relay sends back out.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope types. A missing or empty type field means TypeGroup.
const (
	TypePersonal = "personal"
	TypeGroup    = "group"
)

// Codec errors. All of them are recoverable: the offending envelope is
// rejected but the connection stays open.
var (
	ErrMalformed    = errors.New("malformed message payload")
	ErrBadType      = errors.New("unrecognized message type")
	ErrInvalidImage = errors.New("invalid image data")
)

// Envelope is one inbound chat payload from a connected client.
type Envelope struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Image    string `json:"image"`
	ToUserID *int64 `json:"to_user_id"`
	GroupID  *int64 `json:"group_id"`

	// ImageData holds the decoded image when Image was set. When present it
	// supersedes Message: only one of the two travels downstream.
	ImageData []byte `json:"-"`
}

// Decode parses and validates a raw envelope. The type defaults to "group"
// when absent. An image field that is not valid base64 fails with
// ErrInvalidImage before anything is persisted or delivered; a decoded
// image takes precedence over any text supplied alongside it.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformed
	}

	switch env.Type {
	case "":
		env.Type = TypeGroup
	case TypePersonal, TypeGroup:
	default:
		return nil, ErrBadType
	}

	if env.Image != "" {
		data, err := base64.StdEncoding.DecodeString(env.Image)
		if err != nil {
			return nil, ErrInvalidImage
		}
		env.ImageData = data
		env.Message = ""
	}

	return &env, nil
}

// Exact error notice strings sent back to the sender.
const (
	NoticeUnknownUser  = "error: user does not exist."
	NoticeUnknownGroup = "error: group does not exist."
	NoticeNotAMember   = "error: You are not a member of this group."
	NoticeInvalidImage = "error: Invalid image data."
	NoticeBadType      = "error: unknown message type."
	NoticeMalformed    = "error: malformed message."
	NoticeStoreFailed  = "error: message could not be stored."
)

// FormatPersonal renders a one-to-one delivery. For image messages the
// original base64 content is re-sent to the recipient.
func FormatPersonal(fromID int64, content string) string {
	return fmt.Sprintf("User #%d (Private): %s", fromID, content)
}

// FormatGroupText renders a group text delivery.
func FormatGroupText(fromID, groupID int64, text string) string {
	return fmt.Sprintf("User #%d says in Group #%d: %s", fromID, groupID, text)
}

// FormatGroupImage announces an image in a group without embedding it.
func FormatGroupImage(fromID, groupID int64) string {
	return fmt.Sprintf("User #%d sent an image in Group #%d", fromID, groupID)
}

// FormatDeparture renders the notice broadcast when a user disconnects.
func FormatDeparture(userID int64) string {
	return fmt.Sprintf("User #%d has left the chat", userID)
}
