package collab

import (
	"context"
)

// the client wires the collaboration components around one logical
// connection. ui collaborators consume it through subscribe/unsubscribe,
// the per-component getters, and the request functions.
type ClientSettings struct {
	Connection *ConnectionManagerSettings
	Presence   *PresenceSettings
	Lock       *LockSettings
	Comment    *CommentSettings
	Data       *DataSubscriptionSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Connection: DefaultConnectionManagerSettings(),
		Presence:   DefaultPresenceSettings(),
		Lock:       DefaultLockSettings(),
		Comment:    DefaultCommentSettings(),
		Data:       DefaultDataSubscriptionSettings(),
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	actorId Id

	connectionManager *ConnectionManager
	registry          *SubscriptionRegistry
	presence          *PresenceTracker
	locks             *EditLockCoordinator
	comments          *CommentLog
	data              *DataSubscriptionService
	api               *CollabApi
}

func NewClientWithDefaults(
	ctx context.Context,
	collabUrl string,
	apiUrl string,
	auth *ClientAuth,
) (*Client, error) {
	return NewClient(ctx, collabUrl, apiUrl, auth, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	collabUrl string,
	apiUrl string,
	auth *ClientAuth,
	settings *ClientSettings,
) (*Client, error) {
	actorId, err := auth.ActorId()
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewCollabApiWithContext(cancelCtx, apiUrl)
	api.SetByJwt(auth.ByJwt)

	connectionManager := NewConnectionManager(cancelCtx, collabUrl, auth, settings.Connection)
	registry := NewSubscriptionRegistry(cancelCtx, connectionManager)
	presence := NewPresenceTracker(cancelCtx, connectionManager, settings.Presence)
	locks := NewEditLockCoordinator(cancelCtx, connectionManager, actorId, settings.Lock)
	comments := NewCommentLog(cancelCtx, connectionManager, api, settings.Comment)
	data := NewDataSubscriptionService(cancelCtx, connectionManager, api, settings.Data)

	return &Client{
		ctx:               cancelCtx,
		cancel:            cancel,
		actorId:           actorId,
		connectionManager: connectionManager,
		registry:          registry,
		presence:          presence,
		locks:             locks,
		comments:          comments,
		data:              data,
		api:               api,
	}, nil
}

func (self *Client) ActorId() Id {
	return self.actorId
}

func (self *Client) Connection() *ConnectionManager {
	return self.connectionManager
}

func (self *Client) Registry() *SubscriptionRegistry {
	return self.registry
}

func (self *Client) Presence() *PresenceTracker {
	return self.presence
}

func (self *Client) Locks() *EditLockCoordinator {
	return self.locks
}

func (self *Client) Comments() *CommentLog {
	return self.comments
}

func (self *Client) Data() *DataSubscriptionService {
	return self.data
}

func (self *Client) Api() *CollabApi {
	return self.api
}

func (self *Client) Subscribe(topic Topic, listener TopicListenerFunction) *Subscription {
	return self.registry.Subscribe(topic, listener)
}

func (self *Client) Close() {
	self.cancel()
	self.connectionManager.Close()
}
