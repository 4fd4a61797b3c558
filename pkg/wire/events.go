package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EventType discriminates the payloads carried on a response stream.
type EventType string

const (
	EventTypeInit          EventType = "init"
	EventTypeDelta         EventType = "delta"
	EventTypeChunkComplete EventType = "chunk_complete"
	EventTypeToolStart     EventType = "tool_start"
	EventTypeLinkPreview   EventType = "link_preview"
	EventTypeDone          EventType = "done"
	EventTypeError         EventType = "error"
)

// Event is one decoded protocol event from a send stream.
type Event interface {
	Type() EventType
}

// InitEvent opens a stream: it carries the durable conversation id and the
// durable id assigned to the user message that triggered the stream.
type InitEvent struct {
	ConversationID string `json:"conversationId"`
	UserMessageID  string `json:"userMessageId"`
}

func (e *InitEvent) Type() EventType { return EventTypeInit }

// DeltaEvent appends content to the chunk currently being streamed.
type DeltaEvent struct {
	Content string `json:"content"`
}

func (e *DeltaEvent) Type() EventType { return EventTypeDelta }

// ChunkCompleteEvent seals one bubble of a multi-bubble reply.
type ChunkCompleteEvent struct {
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunkIndex"`
	IsLink     bool   `json:"isLink"`
	IsFinal    bool   `json:"isFinal"`
}

func (e *ChunkCompleteEvent) Type() EventType { return EventTypeChunkComplete }

// ToolStartEvent signals the assistant started a tool invocation.
type ToolStartEvent struct {
	Name string `json:"name"`
}

func (e *ToolStartEvent) Type() EventType { return EventTypeToolStart }

// LinkPreview is the unfurled form of a link the assistant referenced.
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// LinkPreviewEvent delivers a preview while the reply is still streaming.
type LinkPreviewEvent struct {
	Preview LinkPreview `json:"preview"`
}

func (e *LinkPreviewEvent) Type() EventType { return EventTypeLinkPreview }

// Source is a knowledge-base reference attached to a finished reply.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// DoneEvent closes a stream and carries the final reply metadata.
type DoneEvent struct {
	AssistantMessageID string        `json:"assistantMessageId"`
	LinkPreviews       []LinkPreview `json:"linkPreviews,omitempty"`
	QuickReplies       []string      `json:"quickReplies,omitempty"`
	Sources            []Source      `json:"sources,omitempty"`
	AIMarkedComplete   bool          `json:"aiMarkedComplete,omitempty"`
	ChunkIDs           []string      `json:"chunkIds,omitempty"`
}

func (e *DoneEvent) Type() EventType { return EventTypeDone }

// ErrorEvent terminates a stream with a backend-reported failure.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (e *ErrorEvent) Type() EventType { return EventTypeError }

type eventEnvelope struct {
	Type EventType `json:"type"`
}

// ParseEvent decodes one JSON event payload into its typed form.
func ParseEvent(payload []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Wrap(err, "wire: decode event envelope")
	}

	var ev Event
	switch env.Type {
	case EventTypeInit:
		ev = &InitEvent{}
	case EventTypeDelta:
		ev = &DeltaEvent{}
	case EventTypeChunkComplete:
		ev = &ChunkCompleteEvent{}
	case EventTypeToolStart:
		ev = &ToolStartEvent{}
	case EventTypeLinkPreview:
		ev = &LinkPreviewEvent{}
	case EventTypeDone:
		ev = &DoneEvent{}
	case EventTypeError:
		ev = &ErrorEvent{}
	default:
		return nil, errors.Errorf("wire: unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, errors.Wrapf(err, "wire: decode %s event", env.Type)
	}
	return ev, nil
}
