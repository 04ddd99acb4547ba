package models

import (
	"encoding/json"
	"fmt"
)

// EventType represents the type field of a stream envelope.
type EventType string

const (
	EventHeartbeat         EventType = "heartbeat"
	EventContent           EventType = "content"
	EventInteraction       EventType = "interaction"
	EventTextEnd           EventType = "text_end"
	EventBreak             EventType = "break"
	EventOutlineItemUpdate EventType = "outline_item_update"
	EventProfileUpdate     EventType = "profile_update"
)

// Envelope is one JSON object pushed by the server on the lesson stream. Content is polymorphic and
// keyed by Type.
type Envelope struct {
	Type              EventType       `json:"type"`
	GeneratedBlockBid string          `json:"generated_block_bid,omitempty"`
	Content           json.RawMessage `json:"content,omitempty"`
}

// Event is the closed set of inputs folded by the reducer. Every implementation lives in this package.
type Event interface {
	eventType() EventType
}

// Heartbeat keeps the connection alive and carries nothing.
type Heartbeat struct{}

// ContentChunk carries a raw markdown chunk for a content block.
type ContentChunk struct {
	BlockID string
	Text    string
}

// Interaction announces an interaction prompt that follows a content block.
type Interaction struct {
	BlockID string
	Payload string
}

// TextEnd marks the end of the active content block.
type TextEnd struct {
	BlockID string
}

// Break marks a pause in the active content block. It finalizes the block like TextEnd.
type Break struct {
	BlockID string
}

// OutlineItemUpdate reports a status change of a lesson or chapter in the outline tree.
type OutlineItemUpdate struct {
	OutlineID   string `json:"outline_bid"`
	Status      string `json:"status"`
	HasChildren bool   `json:"has_children"`
	Title       string `json:"title,omitempty"`
}

// ProfileUpdate reports a change to the learner profile.
type ProfileUpdate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TypingFinished is the render-side signal that the typing animation for a block finished. It never
// travels on the wire.
type TypingFinished struct {
	BlockID string
}

const (
	OutlineStatusLocked     = "locked"
	OutlineStatusNotStarted = "not_started"
	OutlineStatusLoading    = "loading"
	OutlineStatusInProgress = "in_progress"
	OutlineStatusCompleted  = "completed"
)

func (Heartbeat) eventType() EventType         { return EventHeartbeat }
func (ContentChunk) eventType() EventType      { return EventContent }
func (Interaction) eventType() EventType       { return EventInteraction }
func (TextEnd) eventType() EventType           { return EventTextEnd }
func (Break) eventType() EventType             { return EventBreak }
func (OutlineItemUpdate) eventType() EventType { return EventOutlineItemUpdate }
func (ProfileUpdate) eventType() EventType     { return EventProfileUpdate }
func (TypingFinished) eventType() EventType    { return "" }

// DecodeEnvelope parses one pushed message. It returns ok=false for envelope types this client does not
// know, which callers must ignore. A malformed envelope returns an error.
func DecodeEnvelope(data []byte) (ev Event, ok bool, err error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env.Event()
}

// Event converts the envelope into its typed event.
func (e Envelope) Event() (Event, bool, error) {
	switch e.Type {
	case EventHeartbeat:
		return Heartbeat{}, true, nil
	case EventContent:
		text, err := e.text()
		if err != nil {
			return nil, false, err
		}
		return ContentChunk{BlockID: e.GeneratedBlockBid, Text: text}, true, nil
	case EventInteraction:
		text, err := e.text()
		if err != nil {
			return nil, false, err
		}
		return Interaction{BlockID: e.GeneratedBlockBid, Payload: text}, true, nil
	case EventTextEnd:
		return TextEnd{BlockID: e.GeneratedBlockBid}, true, nil
	case EventBreak:
		return Break{BlockID: e.GeneratedBlockBid}, true, nil
	case EventOutlineItemUpdate:
		var u OutlineItemUpdate
		if err := json.Unmarshal(e.Content, &u); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal outline update: %w", err)
		}
		return u, true, nil
	case EventProfileUpdate:
		var u ProfileUpdate
		if err := json.Unmarshal(e.Content, &u); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal profile update: %w", err)
		}
		return u, true, nil
	default:
		return nil, false, nil
	}
}

func (e Envelope) text() (string, error) {
	if len(e.Content) == 0 || string(e.Content) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err != nil {
		return "", fmt.Errorf("failed to unmarshal %s content: %w", e.Type, err)
	}
	return s, nil
}

// NewEnvelope builds the wire form of a server-side event. TypingFinished has no wire form.
func NewEnvelope(ev Event) (Envelope, error) {
	env := Envelope{Type: ev.eventType()}

	var content any
	switch e := ev.(type) {
	case Heartbeat:
	case ContentChunk:
		env.GeneratedBlockBid = e.BlockID
		content = e.Text
	case Interaction:
		env.GeneratedBlockBid = e.BlockID
		content = e.Payload
	case TextEnd:
		env.GeneratedBlockBid = e.BlockID
	case Break:
		env.GeneratedBlockBid = e.BlockID
	case OutlineItemUpdate:
		content = e
	case ProfileUpdate:
		content = e
	default:
		return Envelope{}, fmt.Errorf("event %T has no wire form", ev)
	}

	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s content: %w", env.Type, err)
		}
		env.Content = raw
	}
	return env, nil
}
