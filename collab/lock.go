package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the lock coordinator grants mutually exclusive short lived locks over a
// (table, row, field) key so only one actor edits a value at a time.
// the local lock map mirrors the server and is written only here, only from
// `lock_status_changed` events. an acquire is a correlated request/response
// keyed by the lock key: the next status event for the key resolves it.
// a client side timeout resolves the acquire as denied. never as granted.

type EditLock struct {
	Key           LockKey
	HolderActorId Id
	SessionId     Id
	AcquiredAt    time.Time
}

// lock == nil means the key was released
type LockChangeFunction func(key LockKey, lock *EditLock)

type LockSettings struct {
	AcquireTimeout time.Duration
}

func DefaultLockSettings() *LockSettings {
	return &LockSettings{
		AcquireTimeout: 5 * time.Second,
	}
}

type lockRequest struct {
	done    chan struct{}
	granted bool
}

type EditLockCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionManager *ConnectionManager
	actorId           Id

	settings *LockSettings

	changeCallbacks *CallbackList[LockChangeFunction]

	stateLock sync.Mutex
	locks     map[LockKey]*EditLock
	// in-flight acquires, keyed by lock key rather than by subscription so
	// that an unsubscribe cannot leak a server-held lock
	pending map[LockKey]*lockRequest
}

func NewEditLockCoordinatorWithDefaults(
	ctx context.Context,
	connectionManager *ConnectionManager,
	actorId Id,
) *EditLockCoordinator {
	return NewEditLockCoordinator(ctx, connectionManager, actorId, DefaultLockSettings())
}

func NewEditLockCoordinator(
	ctx context.Context,
	connectionManager *ConnectionManager,
	actorId Id,
	settings *LockSettings,
) *EditLockCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &EditLockCoordinator{
		ctx:               cancelCtx,
		cancel:            cancel,
		connectionManager: connectionManager,
		actorId:           actorId,
		settings:          settings,
		changeCallbacks:   NewCallbackList[LockChangeFunction](),
		locks:             map[LockKey]*EditLock{},
		pending:           map[LockKey]*lockRequest{},
	}
	connectionManager.AddMessageCallback(coordinator.handleMessage)
	return coordinator
}

func (self *EditLockCoordinator) AddChangeCallback(callback LockChangeFunction) Id {
	return self.changeCallbacks.Add(callback)
}

func (self *EditLockCoordinator) RemoveChangeCallback(callbackId Id) {
	self.changeCallbacks.Remove(callbackId)
}

// the current holder of a key, for every viewer, not just the contender
func (self *EditLockCoordinator) Holder(key LockKey) (*EditLock, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lock, ok := self.locks[key]
	if !ok {
		return nil, false
	}
	lockCopy := *lock
	return &lockCopy, true
}

func (self *EditLockCoordinator) LocksForTable(tableId int64) []*EditLock {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	locks := []*EditLock{}
	for _, lock := range self.locks {
		if lock.Key.TableId == tableId {
			lockCopy := *lock
			locks = append(locks, &lockCopy)
		}
	}
	return locks
}

// requests the lock and waits for the correlated status event.
// returns false on denial and on timeout. a timeout must be treated
// identically to a denial: fail closed, never assume success.
// a concurrent acquire for the same key joins the in-flight request
// instead of issuing a duplicate.
func (self *EditLockCoordinator) Acquire(ctx context.Context, key LockKey) (bool, error) {
	self.stateLock.Lock()
	if lock, ok := self.locks[key]; ok {
		held := lock.HolderActorId == self.actorId
		self.stateLock.Unlock()
		// already held. held by us is a grant, held by anyone else a denial.
		return held, nil
	}
	request, ok := self.pending[key]
	issue := !ok
	if issue {
		request = &lockRequest{
			done: make(chan struct{}),
		}
		self.pending[key] = request
	}
	self.stateLock.Unlock()

	if issue {
		err := self.connectionManager.Send(&AcquireLock{
			TableId: key.TableId,
			RowId:   key.RowId,
			FieldId: key.FieldId,
		})
		if err != nil {
			self.removePending(key, request)
			return false, err
		}
	}

	select {
	case <-request.done:
		return request.granted, nil
	case <-ctx.Done():
		self.removePending(key, request)
		return false, ctx.Err()
	case <-self.ctx.Done():
		self.removePending(key, request)
		return false, ErrConnectionLost
	case <-time.After(self.settings.AcquireTimeout):
		// no response. fail closed.
		glog.V(1).Infof("[lc]acquire %s timeout\n", key)
		self.removePending(key, request)
		return false, nil
	}
}

// sends the release and optimistically clears the local state for keys this
// actor holds. the next `lock_status_changed` event is authoritative and
// reconciles the optimism either way.
func (self *EditLockCoordinator) Release(key LockKey) {
	self.stateLock.Lock()
	released := false
	if lock, ok := self.locks[key]; ok && lock.HolderActorId == self.actorId {
		delete(self.locks, key)
		released = true
	}
	self.stateLock.Unlock()

	if released {
		self.notify(key, nil)
	}

	err := self.connectionManager.Send(&ReleaseLock{
		TableId: key.TableId,
		RowId:   key.RowId,
		FieldId: key.FieldId,
	})
	if err != nil {
		// the server releases held locks when the session drops
		glog.V(1).Infof("[lc]release %s dropped = %s\n", key, err)
	}
}

func (self *EditLockCoordinator) Close() {
	self.cancel()
}

func (self *EditLockCoordinator) handleMessage(message any) {
	statusChanged, ok := message.(*LockStatusChanged)
	if !ok {
		return
	}
	key := statusChanged.Key()

	self.stateLock.Lock()
	var lock *EditLock
	if statusChanged.Locked {
		lock = &EditLock{
			Key:           key,
			HolderActorId: statusChanged.HolderActorId,
			SessionId:     statusChanged.SessionId,
			AcquiredAt:    time.Now(),
		}
		self.locks[key] = lock
	} else {
		delete(self.locks, key)
	}

	var request *lockRequest
	if statusChanged.Locked {
		// the next lock event for the key resolves the in-flight acquire.
		// a release event does not: the grant may still be on the way.
		if request, ok = self.pending[key]; ok {
			request.granted = self.ownLock(statusChanged)
			delete(self.pending, key)
		}
	}
	self.stateLock.Unlock()

	if request != nil {
		close(request.done)
	}

	var lockCopy *EditLock
	if lock != nil {
		c := *lock
		lockCopy = &c
	}
	self.notify(key, lockCopy)
}

// the lock is ours when the holder actor matches and, if the server reports
// the owning session, the session matches this connection
func (self *EditLockCoordinator) ownLock(statusChanged *LockStatusChanged) bool {
	if statusChanged.HolderActorId != self.actorId {
		return false
	}
	if (statusChanged.SessionId != Id{}) {
		if connectionId := self.connectionManager.ConnectionId(); (connectionId != Id{}) {
			return statusChanged.SessionId == connectionId
		}
	}
	return true
}

func (self *EditLockCoordinator) removePending(key LockKey, request *lockRequest) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if current, ok := self.pending[key]; ok && current == request {
		delete(self.pending, key)
	}
}

func (self *EditLockCoordinator) notify(key LockKey, lock *EditLock) {
	for _, callback := range self.changeCallbacks.Get() {
		callback(key, lock)
	}
}
