package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ContentType is the discriminant of Content.
type ContentType string

const (
	ContentText    ContentType = "text"
	ContentVoice   ContentType = "voice"
	ContentMedia   ContentType = "media"
	ContentSticker ContentType = "sticker"
)

// MaxTextLength bounds text payloads, counted in runes.
const MaxTextLength = 5000

// RemovedPlaceholder is shown in place of a tombstoned message.
const RemovedPlaceholder = "message removed"

type TextPayload struct {
	Body string `json:"body"`
}

type VoicePayload struct {
	URL        string `json:"url"`
	DurationMs int64  `json:"duration_ms"`
	Waveform   []int  `json:"waveform,omitempty"`
}

type MediaPayload struct {
	URL       string `json:"url"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

type StickerPayload struct {
	PackID    string `json:"pack_id"`
	StickerID string `json:"sticker_id"`
}

// Content is a tagged variant: exactly the payload matching Type is set.
type Content struct {
	Type    ContentType     `json:"type"`
	Text    *TextPayload    `json:"text,omitempty"`
	Voice   *VoicePayload   `json:"voice,omitempty"`
	Media   *MediaPayload   `json:"media,omitempty"`
	Sticker *StickerPayload `json:"sticker,omitempty"`
}

// TextContent builds a text Content.
func TextContent(body string) Content {
	return Content{Type: ContentText, Text: &TextPayload{Body: body}}
}

// Validate checks the payload for its discriminant and returns a reason when invalid.
func (c Content) Validate() (string, bool) {
	set := 0
	for _, present := range []bool{c.Text != nil, c.Voice != nil, c.Media != nil, c.Sticker != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return "exactly one payload must be set", false
	}

	switch c.Type {
	case ContentText:
		if c.Text == nil {
			return "text payload missing", false
		}
		if strings.TrimSpace(c.Text.Body) == "" {
			return "text is empty", false
		}
		if utf8.RuneCountInString(c.Text.Body) > MaxTextLength {
			return "text exceeds 5000 characters", false
		}
	case ContentVoice:
		if c.Voice == nil {
			return "voice payload missing", false
		}
		if c.Voice.URL == "" || c.Voice.DurationMs <= 0 {
			return "voice requires url and positive duration", false
		}
	case ContentMedia:
		if c.Media == nil {
			return "media payload missing", false
		}
		if c.Media.URL == "" || c.Media.MimeType == "" {
			return "media requires url and mime type", false
		}
	case ContentSticker:
		if c.Sticker == nil {
			return "sticker payload missing", false
		}
		if c.Sticker.PackID == "" || c.Sticker.StickerID == "" {
			return "sticker requires pack and sticker id", false
		}
	default:
		return "unknown content type", false
	}
	return "", true
}

// Snippet renders the short preview used in thread listings.
func (c Content) Snippet() string {
	switch c.Type {
	case ContentText:
		if c.Text == nil {
			return ""
		}
		body := strings.TrimSpace(c.Text.Body)
		if utf8.RuneCountInString(body) > 80 {
			return string([]rune(body)[:80]) + "…"
		}
		return body
	case ContentVoice:
		return "[voice message]"
	case ContentMedia:
		if c.Media != nil && c.Media.Caption != "" {
			return "[media] " + c.Media.Caption
		}
		return "[media]"
	case ContentSticker:
		return "[sticker]"
	}
	return ""
}

// DeliveryState is monotonic: sending < sent < delivered < read.
type DeliveryState string

const (
	StateSending   DeliveryState = "sending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
)

// Rank orders delivery states; unknown states rank -1.
func (s DeliveryState) Rank() int {
	switch s {
	case StateSending:
		return 0
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	}
	return -1
}

// Message belongs to exactly one thread.
type Message struct {
	ID              string            `json:"id"`
	ThreadID        string            `json:"thread_id"`
	Seq             int64             `json:"seq"`
	SenderID        string            `json:"sender_id"`
	ClientID        string            `json:"client_id,omitempty"`
	Content         Content           `json:"content"`
	CreatedAt       time.Time         `json:"created_at"`
	ClientTimestamp *time.Time        `json:"client_timestamp,omitempty"`
	State           DeliveryState     `json:"state"`
	Edited          bool              `json:"edited"`
	EditedAt        *time.Time        `json:"edited_at,omitempty"`
	Deleted         bool              `json:"deleted"`
	DeletedAt       *time.Time        `json:"deleted_at,omitempty"`
	ReplyTo         string            `json:"reply_to,omitempty"`
	Reactions       map[string]string `json:"reactions,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
}

// Expired reports whether a disappearing message is past its lifetime.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Tombstone empties the content while keeping identity and position.
func (m *Message) Tombstone(at time.Time) {
	m.Deleted = true
	m.DeletedAt = &at
	m.Content = Content{Type: m.Content.Type}
	m.Reactions = nil
}

// Clone returns a copy with its own reactions map.
func (m Message) Clone() Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	return out
}

// ReplyPreview is how a reply reference is rendered to readers.
type ReplyPreview struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id,omitempty"`
	Snippet   string `json:"snippet"`
	Removed   bool   `json:"removed"`
}
