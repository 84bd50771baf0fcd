package collab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMessageCodec(t *testing.T) {
	actorId := NewId()

	messageBytes, err := EncodeMessage(&PresenceUpdated{
		Topic: TableTopic(1, 2),
		User: &PresenceRecord{
			ActorId:     actorId,
			DisplayName: "ada",
			LastSeen:    time.Now().UTC().Truncate(time.Second),
		},
	})
	assert.Equal(t, err, nil)

	// flat envelope with a type discriminator
	var fields map[string]json.RawMessage
	err = json.Unmarshal(messageBytes, &fields)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(fields["type"]), `"presence_updated"`)

	message, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	presenceUpdated, ok := message.(*PresenceUpdated)
	assert.Equal(t, ok, true)
	assert.Equal(t, presenceUpdated.Topic, TableTopic(1, 2))
	assert.Equal(t, presenceUpdated.User.ActorId, actorId)
	assert.Equal(t, presenceUpdated.User.DisplayName, "ada")
}

func TestMessageCodecLock(t *testing.T) {
	holderId := NewId()
	sessionId := NewId()

	messageBytes, err := EncodeMessage(&LockStatusChanged{
		TableId:       3,
		RowId:         5,
		FieldId:       "Status",
		Locked:        true,
		HolderActorId: holderId,
		SessionId:     sessionId,
	})
	assert.Equal(t, err, nil)

	message, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	statusChanged, ok := message.(*LockStatusChanged)
	assert.Equal(t, ok, true)
	assert.Equal(t, statusChanged.Key(), LockKey{TableId: 3, RowId: 5, FieldId: "Status"})
	assert.Equal(t, statusChanged.HolderActorId, holderId)
	assert.Equal(t, statusChanged.SessionId, sessionId)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"no_such_type"}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}

func TestEncodeUnknownType(t *testing.T) {
	type notAMessage struct{}
	_, err := EncodeMessage(&notAMessage{})
	assert.NotEqual(t, err, nil)
}

func TestMessageTopic(t *testing.T) {
	topic, ok := MessageTopic(&CommentDeleted{Topic: RowTopic(1, 2), CommentId: NewId()})
	assert.Equal(t, ok, true)
	assert.Equal(t, topic, RowTopic(1, 2))

	// lock messages are keyed by the lock key, not a topic
	_, ok = MessageTopic(&LockStatusChanged{TableId: 1, RowId: 2, FieldId: "f"})
	assert.Equal(t, ok, false)
}
