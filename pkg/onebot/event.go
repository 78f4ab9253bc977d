// Package onebot implements the OneBot 11 event model and the NapCat
// gateway API surface used by the bot: event normalization, message
// segment/CQ-code parsing, the HTTP API client and an optional reverse
// WebSocket transport.
package onebot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event kinds, discriminated by the wire field post_type.
const (
	PostTypeMessage = "message"
	PostTypeNotice  = "notice"
	PostTypeRequest = "request"
	PostTypeMeta    = "meta_event"
)

const (
	MessageTypePrivate = "private"
	MessageTypeGroup   = "group"
)

// RawEvent mirrors the wire shape loosely. ID and time fields are kept as
// json.RawMessage because NapCat emits them as numbers or strings
// depending on version.
type RawEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	SubType       string          `json:"sub_type"`
	NoticeType    string          `json:"notice_type"`
	RequestType   string          `json:"request_type"`
	MetaEventType string          `json:"meta_event_type"`
	MessageID     json.RawMessage `json:"message_id"`
	UserID        json.RawMessage `json:"user_id"`
	GroupID       json.RawMessage `json:"group_id"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        json.RawMessage `json:"sender"`
	SelfID        json.RawMessage `json:"self_id"`
	Time          json.RawMessage `json:"time"`
	Flag          string          `json:"flag"`
	Echo          string          `json:"echo"`
}

type Sender struct {
	UserID   json.RawMessage `json:"user_id"`
	Nickname string          `json:"nickname"`
	Card     string          `json:"card"`
}

// Event is the normalized form handed to the router. GroupID is set iff
// MessageType is "group".
type Event struct {
	PostType      string
	MessageType   string
	SubType       string
	NoticeType    string
	RequestType   string
	MetaEventType string
	MessageID     string
	UserID        int64
	GroupID       int64
	SelfID        int64
	Time          int64
	Nickname      string
	Text          string
	RawText       string
	Mentioned     bool
	Segments      []Segment
	Flag          string
}

func (e *Event) IsGroup() bool { return e.MessageType == MessageTypeGroup }

// NormalizeError reports an event shape the bot does not understand.
// Callers log it and drop the event; it is never fatal.
type NormalizeError struct {
	PostType string
	Reason   string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalize event: %s (post_type=%q)", e.Reason, e.PostType)
}

// Normalize maps a decoded JSON payload onto a typed Event. Missing
// optional fields default to zero values; an unknown post_type is the only
// error condition.
func Normalize(data []byte) (*Event, error) {
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &NormalizeError{Reason: "payload is not an event object"}
	}

	switch raw.PostType {
	case PostTypeMessage:
		return normalizeMessage(&raw)
	case PostTypeNotice, PostTypeRequest, PostTypeMeta:
		return normalizeSystem(&raw), nil
	default:
		return nil, &NormalizeError{PostType: raw.PostType, Reason: "unknown event type"}
	}
}

func normalizeMessage(raw *RawEvent) (*Event, error) {
	userID, err := parseJSONInt64(raw.UserID)
	if err != nil {
		return nil, &NormalizeError{PostType: raw.PostType, Reason: "unparseable user_id"}
	}

	selfID, _ := parseJSONInt64(raw.SelfID)
	ts, _ := parseJSONInt64(raw.Time)

	evt := &Event{
		PostType:    raw.PostType,
		MessageType: raw.MessageType,
		SubType:     raw.SubType,
		MessageID:   parseJSONString(raw.MessageID),
		UserID:      userID,
		SelfID:      selfID,
		Time:        ts,
		RawText:     raw.RawMessage,
		Nickname:    "unknown",
	}

	// group_id is meaningful only for group messages.
	if raw.MessageType == MessageTypeGroup {
		evt.GroupID, _ = parseJSONInt64(raw.GroupID)
	}

	if len(raw.Sender) > 0 {
		var sender Sender
		if err := json.Unmarshal(raw.Sender, &sender); err == nil {
			if sender.Card != "" {
				evt.Nickname = sender.Card
			} else if sender.Nickname != "" {
				evt.Nickname = sender.Nickname
			}
		}
	}

	parsed := ParseMessageContent(raw.Message, raw.RawMessage, selfID)
	evt.Segments = parsed.Segments
	evt.Mentioned = parsed.Mentioned

	evt.Text = strings.TrimSpace(parsed.Text)
	if evt.Text == "" {
		evt.Text = strings.TrimSpace(raw.RawMessage)
	}

	return evt, nil
}

func normalizeSystem(raw *RawEvent) *Event {
	evt := &Event{
		PostType:      raw.PostType,
		SubType:       raw.SubType,
		NoticeType:    raw.NoticeType,
		RequestType:   raw.RequestType,
		MetaEventType: raw.MetaEventType,
		Flag:          raw.Flag,
	}
	evt.UserID, _ = parseJSONInt64(raw.UserID)
	evt.GroupID, _ = parseJSONInt64(raw.GroupID)
	evt.Time, _ = parseJSONInt64(raw.Time)
	return evt
}

func parseJSONInt64(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("cannot parse as int64: %s", string(raw))
}

func parseJSONString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
