package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

// periodic data refresh for widgets, independent of topics. push delivery
// through the realtime connection is preferred; a widget that stops
// receiving pushes falls back to timed polling instead of surfacing an
// error. some data beats strict transport purity. each poll tick is
// independent: a slow or failed fetch never delays the next tick, and fetch
// errors reach the callback as error payloads so the ui can show a degraded
// state without the loop stopping.

type DataMode int

const (
	DataModePush DataMode = iota
	DataModePoll
)

func (self DataMode) String() string {
	switch self {
	case DataModePush:
		return "push"
	case DataModePoll:
		return "poll"
	default:
		return "unknown"
	}
}

type DataFunction func(data json.RawMessage, err error)

type FetchFunction func(ctx context.Context, widgetId int64) (json.RawMessage, error)

type DataSubscriptionSettings struct {
	DefaultPollInterval time.Duration
	MinPollInterval     time.Duration
	MaxPollInterval     time.Duration
	// push intervals without a delivery before falling back to polling
	FallbackMissedIntervals int
}

func DefaultDataSubscriptionSettings() *DataSubscriptionSettings {
	return &DataSubscriptionSettings{
		DefaultPollInterval:     30 * time.Second,
		MinPollInterval:         5 * time.Second,
		MaxPollInterval:         15 * time.Minute,
		FallbackMissedIntervals: 3,
	}
}

type dataSubscription struct {
	widgetId int64
	interval time.Duration
	fetch    FetchFunction
	callback DataFunction

	// guarded by the service state lock
	mode            DataMode
	lastDeliveredAt time.Time
	missed          int
	loopCancel      context.CancelFunc
}

// handle returned to the widget collaborator
type DataSubscription struct {
	service   *DataSubscriptionService
	widgetId  int64
	closeOnce sync.Once
}

func (self *DataSubscription) WidgetId() int64 {
	return self.widgetId
}

func (self *DataSubscription) Close() {
	self.closeOnce.Do(func() {
		self.service.unsubscribe(self.widgetId)
	})
}

type DataSubscriptionService struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionManager *ConnectionManager
	api               *CollabApi

	settings *DataSubscriptionSettings

	stateLock     sync.Mutex
	subscriptions map[int64]*dataSubscription
	paused        bool
}

func NewDataSubscriptionServiceWithDefaults(
	ctx context.Context,
	connectionManager *ConnectionManager,
	api *CollabApi,
) *DataSubscriptionService {
	return NewDataSubscriptionService(ctx, connectionManager, api, DefaultDataSubscriptionSettings())
}

func NewDataSubscriptionService(
	ctx context.Context,
	connectionManager *ConnectionManager,
	api *CollabApi,
	settings *DataSubscriptionSettings,
) *DataSubscriptionService {
	cancelCtx, cancel := context.WithCancel(ctx)
	service := &DataSubscriptionService{
		ctx:               cancelCtx,
		cancel:            cancel,
		connectionManager: connectionManager,
		api:               api,
		settings:          settings,
		subscriptions:     map[int64]*dataSubscription{},
	}
	connectionManager.AddMessageCallback(service.handleMessage)
	return service
}

// registers a widget for live updates. `useWebSocket` selects the preferred
// delivery. a zero interval uses the default, out of range intervals are
// clamped. a nil fetch falls back to the widget data api.
func (self *DataSubscriptionService) Subscribe(
	widgetId int64,
	useWebSocket bool,
	interval time.Duration,
	fetch FetchFunction,
	callback DataFunction,
) *DataSubscription {
	if interval == 0 {
		interval = self.settings.DefaultPollInterval
	}
	if interval < self.settings.MinPollInterval {
		interval = self.settings.MinPollInterval
	}
	if self.settings.MaxPollInterval < interval {
		interval = self.settings.MaxPollInterval
	}
	if fetch == nil {
		fetch = func(ctx context.Context, widgetId int64) (json.RawMessage, error) {
			result, err := self.api.GetWidgetDataSync(widgetId)
			if err != nil {
				return nil, err
			}
			return result.Data, nil
		}
	}

	mode := DataModePoll
	if useWebSocket {
		mode = DataModePush
		self.connectionManager.Open()
	}

	self.stateLock.Lock()
	if existing, ok := self.subscriptions[widgetId]; ok && existing.loopCancel != nil {
		existing.loopCancel()
	}
	subscription := &dataSubscription{
		widgetId:        widgetId,
		interval:        interval,
		fetch:           fetch,
		callback:        callback,
		mode:            mode,
		lastDeliveredAt: time.Now(),
	}
	self.subscriptions[widgetId] = subscription
	if !self.paused {
		self.startLoop(subscription)
	}
	self.stateLock.Unlock()

	return &DataSubscription{
		service:  self,
		widgetId: widgetId,
	}
}

func (self *DataSubscriptionService) Mode(widgetId int64) (DataMode, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscription, ok := self.subscriptions[widgetId]
	if !ok {
		return DataModePoll, false
	}
	return subscription.mode, true
}

// stops all timers without losing subscription configuration,
// e.g. when the host page is hidden
func (self *DataSubscriptionService) PauseAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.paused {
		return
	}
	self.paused = true
	for _, subscription := range self.subscriptions {
		if subscription.loopCancel != nil {
			subscription.loopCancel()
			subscription.loopCancel = nil
		}
	}
	glog.V(1).Infof("[ds]paused %d subscriptions\n", len(self.subscriptions))
}

func (self *DataSubscriptionService) ResumeAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.paused {
		return
	}
	self.paused = false
	for _, subscription := range self.subscriptions {
		// a pause long enough to miss deliveries must not trip the fallback
		subscription.lastDeliveredAt = time.Now()
		subscription.missed = 0
		self.startLoop(subscription)
	}
}

func (self *DataSubscriptionService) Close() {
	self.cancel()
}

func (self *DataSubscriptionService) unsubscribe(widgetId int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscription, ok := self.subscriptions[widgetId]
	if !ok {
		return
	}
	if subscription.loopCancel != nil {
		subscription.loopCancel()
		subscription.loopCancel = nil
	}
	delete(self.subscriptions, widgetId)
}

// must hold the state lock
func (self *DataSubscriptionService) startLoop(subscription *dataSubscription) {
	loopCtx, loopCancel := context.WithCancel(self.ctx)
	subscription.loopCancel = loopCancel
	go self.runLoop(loopCtx, subscription)
}

func (self *DataSubscriptionService) runLoop(loopCtx context.Context, subscription *dataSubscription) {
	ticker := time.NewTicker(subscription.interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
		}

		self.stateLock.Lock()
		mode := subscription.mode
		if mode == DataModePush {
			if subscription.interval <= time.Since(subscription.lastDeliveredAt) {
				subscription.missed += 1
			} else {
				subscription.missed = 0
			}
			if self.settings.FallbackMissedIntervals <= subscription.missed {
				// the push channel is not delivering. degrade to polling.
				subscription.mode = DataModePoll
				mode = DataModePoll
				glog.Infof("[ds]widget %d push stalled, falling back to polling\n", subscription.widgetId)
			}
		}
		self.stateLock.Unlock()

		if mode == DataModePoll {
			// independent tick. the fetch never delays the next one.
			go self.fetchOne(loopCtx, subscription)
		}
	}
}

func (self *DataSubscriptionService) fetchOne(ctx context.Context, subscription *dataSubscription) {
	data, err := subscription.fetch(ctx, subscription.widgetId)
	if err != nil {
		glog.V(1).Infof("[ds]widget %d fetch error = %s\n", subscription.widgetId, err)
		subscription.callback(nil, err)
		return
	}

	self.stateLock.Lock()
	subscription.lastDeliveredAt = time.Now()
	self.stateLock.Unlock()

	subscription.callback(data, nil)
}

func (self *DataSubscriptionService) handleMessage(message any) {
	widgetUpdate, ok := message.(*WidgetUpdate)
	if !ok {
		return
	}

	self.stateLock.Lock()
	subscription, ok := self.subscriptions[widgetUpdate.WidgetId]
	if ok {
		subscription.lastDeliveredAt = time.Now()
		subscription.missed = 0
	}
	self.stateLock.Unlock()

	if ok {
		subscription.callback(widgetUpdate.Data, nil)
	}
}
