package collab

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the registry maps a topic to the set of local listeners interested in it.
// the first listener for a topic sends the subscribe frame and opens the
// connection if needed; the last one out sends the unsubscribe frame.
// invariant: the set of topics subscribed on the server equals the set of
// topics with at least one local listener, within the bound of in-flight
// messages. presence and lock state for an unsubscribed topic is not
// discarded here. it ages out in its owning component.

type TopicListenerFunction func(message any)

type topicEntry struct {
	listeners *CallbackList[TopicListenerFunction]
}

type SubscriptionRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionManager *ConnectionManager

	stateLock sync.Mutex
	topics    map[Topic]*topicEntry
	stale     bool
}

func NewSubscriptionRegistry(ctx context.Context, connectionManager *ConnectionManager) *SubscriptionRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := &SubscriptionRegistry{
		ctx:               cancelCtx,
		cancel:            cancel,
		connectionManager: connectionManager,
		topics:            map[Topic]*topicEntry{},
	}
	connectionManager.setTopicSource(registry.ActiveTopics)
	connectionManager.AddConnectCallback(registry.resubscribe)
	connectionManager.AddStateChangeCallback(registry.connectionStateChanged)
	connectionManager.AddMessageCallback(registry.handleMessage)
	return registry
}

type Subscription struct {
	registry   *SubscriptionRegistry
	topic      Topic
	callbackId Id
	closeOnce  sync.Once
}

func (self *Subscription) Topic() Topic {
	return self.topic
}

func (self *Subscription) Close() {
	self.closeOnce.Do(func() {
		self.registry.unsubscribe(self.topic, self.callbackId)
	})
}

// registers a listener for topic-scoped inbound messages. the first
// listener for a topic issues the subscribe frame. if the connection is not
// live yet, the frame is issued by the resubscribe pass on connect.
func (self *SubscriptionRegistry) Subscribe(topic Topic, listener TopicListenerFunction) *Subscription {
	self.stateLock.Lock()
	entry, ok := self.topics[topic]
	if !ok {
		entry = &topicEntry{
			listeners: NewCallbackList[TopicListenerFunction](),
		}
		self.topics[topic] = entry
	}
	callbackId := entry.listeners.Add(listener)
	first := !ok
	self.stateLock.Unlock()

	if first {
		self.connectionManager.Open()
		if err := self.connectionManager.Send(&Subscribe{Topic: topic}); err != nil {
			// queued behavior: the connect callback re-issues all active topics
			glog.V(1).Infof("[sr]subscribe %s deferred = %s\n", topic, err)
		}
	}
	return &Subscription{
		registry:   self,
		topic:      topic,
		callbackId: callbackId,
	}
}

func (self *SubscriptionRegistry) unsubscribe(topic Topic, callbackId Id) {
	self.stateLock.Lock()
	entry, ok := self.topics[topic]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	entry.listeners.Remove(callbackId)
	last := entry.listeners.Len() == 0
	if last {
		delete(self.topics, topic)
	}
	self.stateLock.Unlock()

	if last {
		if err := self.connectionManager.Send(&Unsubscribe{Topic: topic}); err != nil {
			glog.V(1).Infof("[sr]unsubscribe %s dropped = %s\n", topic, err)
		}
	}
}

// topics with at least one local listener, in stable order
func (self *SubscriptionRegistry) ActiveTopics() []Topic {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	topics := maps.Keys(self.topics)
	slices.Sort(topics)
	return topics
}

func (self *SubscriptionRegistry) ListenerCount(topic Topic) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.topics[topic]
	if !ok {
		return 0
	}
	return entry.listeners.Len()
}

// true between a disconnect and the completed resubscription pass.
// presence and lock views are stale, not discarded. surface this visually.
func (self *SubscriptionRegistry) Stale() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stale
}

func (self *SubscriptionRegistry) Close() {
	self.cancel()
}

func (self *SubscriptionRegistry) resubscribe() {
	topics := self.ActiveTopics()
	for _, topic := range topics {
		if err := self.connectionManager.Send(&Subscribe{Topic: topic}); err != nil {
			glog.Infof("[sr]resubscribe %s error = %s\n", topic, err)
			return
		}
	}
	glog.V(1).Infof("[sr]resubscribed %d topics\n", len(topics))

	self.stateLock.Lock()
	self.stale = false
	self.stateLock.Unlock()
}

func (self *SubscriptionRegistry) connectionStateChanged(state ConnectionState) {
	switch state {
	case StateDisconnected, StateConnectionLost:
		self.stateLock.Lock()
		self.stale = true
		self.stateLock.Unlock()
	}
}

func (self *SubscriptionRegistry) handleMessage(message any) {
	topic, ok := MessageTopic(message)
	if !ok {
		return
	}

	self.stateLock.Lock()
	entry, ok := self.topics[topic]
	self.stateLock.Unlock()
	if !ok {
		return
	}

	for _, listener := range entry.listeners.Get() {
		listener(message)
	}
}
