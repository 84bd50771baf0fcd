package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ids for actors, sessions, comments, activity entries, and request correlation
// ulids are ordered by create time, which lets ids from the same source be ordered

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a topic is the logical subscription unit that scopes presence, locks, and live updates.
// topics are reference counted by the number of active local listeners.

// comparable
type Topic string

func TableTopic(tableId int64, viewId int64) Topic {
	return Topic(fmt.Sprintf("table/%d/view/%d", tableId, viewId))
}

func RowTopic(tableId int64, rowId int64) Topic {
	return Topic(fmt.Sprintf("table/%d/row/%d", tableId, rowId))
}

func WidgetTopic(widgetId int64) Topic {
	return Topic(fmt.Sprintf("widget/%d", widgetId))
}

// key for the edit lock state machine. at most one lock per key at any time.

// comparable
type LockKey struct {
	TableId int64
	RowId   int64
	FieldId string
}

func (self LockKey) String() string {
	return fmt.Sprintf("%d/%d/%s", self.TableId, self.RowId, self.FieldId)
}

// comparable
type TypingKey struct {
	ActorId Id
	RowId   int64
	FieldId string
}
