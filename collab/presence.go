package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// the presence tracker owns the set of remote actors currently viewing or
// editing each topic, their cursor positions, and typing state. records are
// refreshed on every inbound presence event and expired after a silence
// timeout. no other component writes these maps. all outbound presence
// traffic is best effort: send failures are dropped, never surfaced.

type CursorPosition struct {
	RowId   int64  `json:"row_id"`
	FieldId string `json:"field_id"`
}

type PresenceRecord struct {
	ActorId     Id              `json:"actor_id"`
	DisplayName string          `json:"display_name"`
	Topic       Topic           `json:"topic"`
	Cursor      *CursorPosition `json:"cursor,omitempty"`
	Typing      bool            `json:"typing"`
	LastSeen    time.Time       `json:"last_seen"`
}

type TypingState struct {
	ActorId   Id
	RowId     int64
	FieldId   string
	StartedAt time.Time
}

type PresenceChangeFunction func(topic Topic)

type PresenceSettings struct {
	PresenceTtl   time.Duration
	TypingTtl     time.Duration
	SweepInterval time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		PresenceTtl:   60 * time.Second,
		TypingTtl:     5 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

type PresenceTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionManager *ConnectionManager

	settings *PresenceSettings

	changeCallbacks *CallbackList[PresenceChangeFunction]

	stateLock sync.Mutex
	// topic -> actor -> record
	presences map[Topic]map[Id]*PresenceRecord
	// topic -> typing key -> state
	typing map[Topic]map[TypingKey]*TypingState
}

func NewPresenceTrackerWithDefaults(ctx context.Context, connectionManager *ConnectionManager) *PresenceTracker {
	return NewPresenceTracker(ctx, connectionManager, DefaultPresenceSettings())
}

func NewPresenceTracker(
	ctx context.Context,
	connectionManager *ConnectionManager,
	settings *PresenceSettings,
) *PresenceTracker {
	cancelCtx, cancel := context.WithCancel(ctx)
	tracker := &PresenceTracker{
		ctx:               cancelCtx,
		cancel:            cancel,
		connectionManager: connectionManager,
		settings:          settings,
		changeCallbacks:   NewCallbackList[PresenceChangeFunction](),
		presences:         map[Topic]map[Id]*PresenceRecord{},
		typing:            map[Topic]map[TypingKey]*TypingState{},
	}
	connectionManager.AddMessageCallback(tracker.handleMessage)
	go tracker.run()
	return tracker
}

func (self *PresenceTracker) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
			self.ExpireStale(time.Now())
		}
	}
}

func (self *PresenceTracker) AddChangeCallback(callback PresenceChangeFunction) Id {
	return self.changeCallbacks.Add(callback)
}

func (self *PresenceTracker) RemoveChangeCallback(callbackId Id) {
	self.changeCallbacks.Remove(callbackId)
}

// snapshot of the actors currently on a topic
func (self *PresenceTracker) ActiveActors(topic Topic) []*PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := []*PresenceRecord{}
	for _, record := range self.presences[topic] {
		recordCopy := *record
		records = append(records, &recordCopy)
	}
	return records
}

func (self *PresenceTracker) Presence(topic Topic, actorId Id) (*PresenceRecord, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.presences[topic][actorId]
	if !ok {
		return nil, false
	}
	recordCopy := *record
	return &recordCopy, true
}

// actors currently typing in a (row, field)
func (self *PresenceTracker) TypingActors(topic Topic, rowId int64, fieldId string) []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	actorIds := []Id{}
	for key := range self.typing[topic] {
		if key.RowId == rowId && key.FieldId == fieldId {
			actorIds = append(actorIds, key.ActorId)
		}
	}
	return actorIds
}

// upsert, refreshing last seen
func (self *PresenceTracker) UpdatePresence(actorId Id, topic Topic, record *PresenceRecord) {
	self.stateLock.Lock()
	topicPresences, ok := self.presences[topic]
	if !ok {
		topicPresences = map[Id]*PresenceRecord{}
		self.presences[topic] = topicPresences
	}
	existing, ok := topicPresences[actorId]
	if ok {
		if record.DisplayName != "" {
			existing.DisplayName = record.DisplayName
		}
		if record.Cursor != nil {
			existing.Cursor = record.Cursor
		}
		existing.Typing = record.Typing
		existing.LastSeen = time.Now()
	} else {
		recordCopy := *record
		recordCopy.ActorId = actorId
		recordCopy.Topic = topic
		recordCopy.LastSeen = time.Now()
		topicPresences[actorId] = &recordCopy
	}
	self.stateLock.Unlock()

	self.notify(topic)
}

// explicit departure: logout, tab close, leave frame
func (self *PresenceTracker) RemovePresence(actorId Id, topic Topic) {
	self.stateLock.Lock()
	topicPresences, ok := self.presences[topic]
	removed := false
	if ok {
		if _, ok := topicPresences[actorId]; ok {
			delete(topicPresences, actorId)
			removed = true
		}
		if len(topicPresences) == 0 {
			delete(self.presences, topic)
		}
	}
	self.stateLock.Unlock()

	if removed {
		self.notify(topic)
	}
}

// periodic sweep. a record silent longer than the presence ttl is removed
// and a departure is synthesized. typing states have their own shorter ttl
// so a dropped stop signal cannot leave a stuck indicator.
func (self *PresenceTracker) ExpireStale(now time.Time) {
	self.stateLock.Lock()
	changedTopics := map[Topic]bool{}
	for topic, topicPresences := range self.presences {
		for actorId, record := range topicPresences {
			if self.settings.PresenceTtl < now.Sub(record.LastSeen) {
				delete(topicPresences, actorId)
				changedTopics[topic] = true
				glog.V(1).Infof("[pt]expire %s@%s\n", actorId, topic)
			}
		}
		if len(topicPresences) == 0 {
			delete(self.presences, topic)
		}
	}
	for topic, topicTyping := range self.typing {
		for key, state := range topicTyping {
			if self.settings.TypingTtl < now.Sub(state.StartedAt) {
				delete(topicTyping, key)
				changedTopics[topic] = true
			}
		}
		if len(topicTyping) == 0 {
			delete(self.typing, topic)
		}
	}
	self.stateLock.Unlock()

	for _, topic := range maps.Keys(changedTopics) {
		self.notify(topic)
	}
}

// outbound, all best effort

func (self *PresenceTracker) AnnouncePresence(topic Topic, displayName string, cursor *CursorPosition) {
	err := self.connectionManager.Send(&UpdatePresence{
		Topic:       topic,
		DisplayName: displayName,
		Cursor:      cursor,
	})
	if err != nil {
		glog.V(1).Infof("[pt]announce %s dropped = %s\n", topic, err)
	}
}

func (self *PresenceTracker) MoveCursor(topic Topic, cursor *CursorPosition) {
	err := self.connectionManager.Send(&CursorMove{
		Topic:  topic,
		Cursor: cursor,
	})
	if err != nil {
		glog.V(1).Infof("[pt]cursor %s dropped = %s\n", topic, err)
	}
}

func (self *PresenceTracker) StartTyping(topic Topic, rowId int64, fieldId string) {
	err := self.connectionManager.Send(&StartTyping{
		Topic:   topic,
		RowId:   rowId,
		FieldId: fieldId,
	})
	if err != nil {
		glog.V(1).Infof("[pt]start typing %s dropped = %s\n", topic, err)
	}
}

func (self *PresenceTracker) StopTyping(topic Topic, rowId int64, fieldId string) {
	err := self.connectionManager.Send(&StopTyping{
		Topic:   topic,
		RowId:   rowId,
		FieldId: fieldId,
	})
	if err != nil {
		glog.V(1).Infof("[pt]stop typing %s dropped = %s\n", topic, err)
	}
}

func (self *PresenceTracker) Close() {
	self.cancel()
}

func (self *PresenceTracker) handleMessage(message any) {
	switch v := message.(type) {
	case *ActiveUsers:
		// authoritative roster for the topic
		self.stateLock.Lock()
		topicPresences := map[Id]*PresenceRecord{}
		for _, user := range v.Users {
			recordCopy := *user
			recordCopy.Topic = v.Topic
			recordCopy.LastSeen = time.Now()
			topicPresences[user.ActorId] = &recordCopy
		}
		if len(topicPresences) == 0 {
			delete(self.presences, v.Topic)
		} else {
			self.presences[v.Topic] = topicPresences
		}
		self.stateLock.Unlock()
		self.notify(v.Topic)
	case *PresenceUpdated:
		if v.User != nil {
			self.UpdatePresence(v.User.ActorId, v.Topic, v.User)
		}
	case *CursorUpdated:
		self.UpdatePresence(v.ActorId, v.Topic, &PresenceRecord{
			Cursor: v.Cursor,
		})
	case *TypingIndicator:
		key := TypingKey{
			ActorId: v.ActorId,
			RowId:   v.RowId,
			FieldId: v.FieldId,
		}
		self.stateLock.Lock()
		topicTyping, ok := self.typing[v.Topic]
		if v.Typing {
			if !ok {
				topicTyping = map[TypingKey]*TypingState{}
				self.typing[v.Topic] = topicTyping
			}
			// only one typing state per key. restarting refreshes the ttl.
			topicTyping[key] = &TypingState{
				ActorId:   v.ActorId,
				RowId:     v.RowId,
				FieldId:   v.FieldId,
				StartedAt: time.Now(),
			}
		} else if ok {
			delete(topicTyping, key)
			if len(topicTyping) == 0 {
				delete(self.typing, v.Topic)
			}
		}
		self.stateLock.Unlock()
		self.notify(v.Topic)
	}
}

// change notifications are scoped to the topic so only interested
// collaborators re-render
func (self *PresenceTracker) notify(topic Topic) {
	for _, callback := range self.changeCallbacks.Get() {
		callback(topic)
	}
}
