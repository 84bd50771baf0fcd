package collab

import (
	"encoding/json"
	"fmt"
)

// wire envelope for the realtime channel. every frame is a json object with a
// `type` discriminator and the payload fields inlined:
//
//	{"type": "presence_updated", "topic": "table/1/view/2", "user": {...}}
//
// inbound frames are decoded to exactly one of the typed payloads below and
// dispatched through a single demultiplexer in arrival order.

const (
	// produced by the client
	MessageTypeAuth           = "auth"
	MessageTypeSubscribe      = "subscribe"
	MessageTypeUnsubscribe    = "unsubscribe"
	MessageTypeUpdatePresence = "update_presence"
	MessageTypeStartTyping    = "start_typing"
	MessageTypeStopTyping     = "stop_typing"
	MessageTypeCursorMove     = "cursor_move"
	MessageTypeAcquireLock    = "acquire_lock"
	MessageTypeReleaseLock    = "release_lock"

	// consumed by the client
	MessageTypeCollaborationConnected = "collaboration_connected"
	MessageTypeActiveUsers            = "active_users"
	MessageTypePresenceUpdated        = "presence_updated"
	MessageTypeTypingIndicator        = "typing_indicator"
	MessageTypeCursorUpdated          = "cursor_updated"
	MessageTypeLockStatusChanged      = "lock_status_changed"
	MessageTypeCommentCreated         = "comment_created"
	MessageTypeCommentUpdated         = "comment_updated"
	MessageTypeCommentDeleted         = "comment_deleted"
	MessageTypeCommentResolved        = "comment_resolved"
	MessageTypeActivityLogged         = "activity_logged"
	MessageTypeWidgetUpdate           = "widget_update"

	// both directions. an empty frame is also treated as a ping.
	MessageTypePing = "ping"
)

// outbound

type Auth struct {
	ByJwt      string `json:"by_jwt"`
	AppVersion string `json:"app_version,omitempty"`
}

type Subscribe struct {
	Topic  Topic             `json:"topic"`
	Params map[string]string `json:"params,omitempty"`
}

type Unsubscribe struct {
	Topic Topic `json:"topic"`
}

type UpdatePresence struct {
	Topic       Topic           `json:"topic"`
	DisplayName string          `json:"display_name,omitempty"`
	Cursor      *CursorPosition `json:"cursor,omitempty"`
}

type StartTyping struct {
	Topic   Topic  `json:"topic"`
	RowId   int64  `json:"row_id"`
	FieldId string `json:"field_id"`
}

type StopTyping struct {
	Topic   Topic  `json:"topic"`
	RowId   int64  `json:"row_id"`
	FieldId string `json:"field_id"`
}

type CursorMove struct {
	Topic  Topic           `json:"topic"`
	Cursor *CursorPosition `json:"cursor"`
}

type AcquireLock struct {
	TableId int64  `json:"table_id"`
	RowId   int64  `json:"row_id"`
	FieldId string `json:"field_id"`
}

type ReleaseLock struct {
	TableId int64  `json:"table_id"`
	RowId   int64  `json:"row_id"`
	FieldId string `json:"field_id"`
}

// inbound

type CollaborationConnected struct {
	ConnectionId Id `json:"connection_id"`
}

type ActiveUsers struct {
	Topic Topic             `json:"topic"`
	Users []*PresenceRecord `json:"users"`
}

type PresenceUpdated struct {
	Topic Topic           `json:"topic"`
	User  *PresenceRecord `json:"user"`
}

type TypingIndicator struct {
	Topic   Topic  `json:"topic"`
	ActorId Id     `json:"actor_id"`
	RowId   int64  `json:"row_id"`
	FieldId string `json:"field_id"`
	Typing  bool   `json:"typing"`
}

type CursorUpdated struct {
	Topic   Topic           `json:"topic"`
	ActorId Id              `json:"actor_id"`
	Cursor  *CursorPosition `json:"cursor"`
}

type LockStatusChanged struct {
	TableId       int64  `json:"table_id"`
	RowId         int64  `json:"row_id"`
	FieldId       string `json:"field_id"`
	Locked        bool   `json:"locked"`
	HolderActorId Id     `json:"holder_actor_id,omitempty"`
	SessionId     Id     `json:"session_id,omitempty"`
}

func (self *LockStatusChanged) Key() LockKey {
	return LockKey{
		TableId: self.TableId,
		RowId:   self.RowId,
		FieldId: self.FieldId,
	}
}

type CommentCreated struct {
	Topic   Topic    `json:"topic"`
	Comment *Comment `json:"comment"`
}

type CommentUpdated struct {
	Topic   Topic    `json:"topic"`
	Comment *Comment `json:"comment"`
}

type CommentDeleted struct {
	Topic     Topic `json:"topic"`
	CommentId Id    `json:"comment_id"`
}

type CommentResolved struct {
	Topic   Topic    `json:"topic"`
	Comment *Comment `json:"comment"`
}

type ActivityLogged struct {
	Topic Topic             `json:"topic"`
	Entry *ActivityLogEntry `json:"entry"`
}

type WidgetUpdate struct {
	WidgetId int64           `json:"widget_id"`
	Data     json.RawMessage `json:"data"`
}

type Ping struct{}

func MessageTypeOf(message any) (string, error) {
	switch message.(type) {
	case *Auth:
		return MessageTypeAuth, nil
	case *Subscribe:
		return MessageTypeSubscribe, nil
	case *Unsubscribe:
		return MessageTypeUnsubscribe, nil
	case *UpdatePresence:
		return MessageTypeUpdatePresence, nil
	case *StartTyping:
		return MessageTypeStartTyping, nil
	case *StopTyping:
		return MessageTypeStopTyping, nil
	case *CursorMove:
		return MessageTypeCursorMove, nil
	case *AcquireLock:
		return MessageTypeAcquireLock, nil
	case *ReleaseLock:
		return MessageTypeReleaseLock, nil
	case *CollaborationConnected:
		return MessageTypeCollaborationConnected, nil
	case *ActiveUsers:
		return MessageTypeActiveUsers, nil
	case *PresenceUpdated:
		return MessageTypePresenceUpdated, nil
	case *TypingIndicator:
		return MessageTypeTypingIndicator, nil
	case *CursorUpdated:
		return MessageTypeCursorUpdated, nil
	case *LockStatusChanged:
		return MessageTypeLockStatusChanged, nil
	case *CommentCreated:
		return MessageTypeCommentCreated, nil
	case *CommentUpdated:
		return MessageTypeCommentUpdated, nil
	case *CommentDeleted:
		return MessageTypeCommentDeleted, nil
	case *CommentResolved:
		return MessageTypeCommentResolved, nil
	case *ActivityLogged:
		return MessageTypeActivityLogged, nil
	case *WidgetUpdate:
		return MessageTypeWidgetUpdate, nil
	case *Ping:
		return MessageTypePing, nil
	default:
		return "", fmt.Errorf("Unknown message type: %T", message)
	}
}

func EncodeMessage(message any) ([]byte, error) {
	messageType, err := MessageTypeOf(message)
	if err != nil {
		return nil, err
	}
	payloadBytes, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payloadBytes, &fields); err != nil {
		return nil, err
	}
	fields["type"], err = json.Marshal(messageType)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func RequireEncodeMessage(message any) []byte {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeMessage(b []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, err
	}

	var message any
	switch envelope.Type {
	case MessageTypeAuth:
		message = &Auth{}
	case MessageTypeSubscribe:
		message = &Subscribe{}
	case MessageTypeUnsubscribe:
		message = &Unsubscribe{}
	case MessageTypeUpdatePresence:
		message = &UpdatePresence{}
	case MessageTypeStartTyping:
		message = &StartTyping{}
	case MessageTypeStopTyping:
		message = &StopTyping{}
	case MessageTypeCursorMove:
		message = &CursorMove{}
	case MessageTypeAcquireLock:
		message = &AcquireLock{}
	case MessageTypeReleaseLock:
		message = &ReleaseLock{}
	case MessageTypeCollaborationConnected:
		message = &CollaborationConnected{}
	case MessageTypeActiveUsers:
		message = &ActiveUsers{}
	case MessageTypePresenceUpdated:
		message = &PresenceUpdated{}
	case MessageTypeTypingIndicator:
		message = &TypingIndicator{}
	case MessageTypeCursorUpdated:
		message = &CursorUpdated{}
	case MessageTypeLockStatusChanged:
		message = &LockStatusChanged{}
	case MessageTypeCommentCreated:
		message = &CommentCreated{}
	case MessageTypeCommentUpdated:
		message = &CommentUpdated{}
	case MessageTypeCommentDeleted:
		message = &CommentDeleted{}
	case MessageTypeCommentResolved:
		message = &CommentResolved{}
	case MessageTypeActivityLogged:
		message = &ActivityLogged{}
	case MessageTypeWidgetUpdate:
		message = &WidgetUpdate{}
	case MessageTypePing:
		message = &Ping{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", envelope.Type)
	}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	return message, nil
}

// the topic an inbound message is scoped to, for topic-scoped listener routing.
// lock and widget messages are scoped by their own composite keys instead.
func MessageTopic(message any) (Topic, bool) {
	switch v := message.(type) {
	case *ActiveUsers:
		return v.Topic, true
	case *PresenceUpdated:
		return v.Topic, true
	case *TypingIndicator:
		return v.Topic, true
	case *CursorUpdated:
		return v.Topic, true
	case *CommentCreated:
		return v.Topic, true
	case *CommentUpdated:
		return v.Topic, true
	case *CommentDeleted:
		return v.Topic, true
	case *CommentResolved:
		return v.Topic, true
	case *ActivityLogged:
		return v.Topic, true
	default:
		return "", false
	}
}
