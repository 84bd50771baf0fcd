package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// threaded comments and the append-only activity feed for a topic.
// every write is two-phase: issued as a request/response call, applied
// locally from the authoritative response, then broadcast on the live
// channel so other viewers update without a re-fetch. getters never show a
// write that the server has not confirmed.
//
// comments form a two-level thread: roots plus a flat reply list keyed by
// parent id, not an arbitrarily deep tree. deleting a root cascades to its
// replies.

type Comment struct {
	Id        Id         `json:"id"`
	TableId   int64      `json:"table_id"`
	RowId     int64      `json:"row_id"`
	AuthorId  Id         `json:"author_id"`
	Content   string     `json:"content"`
	ParentId  *Id        `json:"parent_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
	Resolved  bool       `json:"resolved"`
	Replies   []*Comment `json:"replies,omitempty"`
}

func (self *Comment) Topic() Topic {
	return RowTopic(self.TableId, self.RowId)
}

type ActivityLogEntry struct {
	Id        Id        `json:"id"`
	TableId   int64     `json:"table_id"`
	RowId     int64     `json:"row_id,omitempty"`
	ActorId   Id        `json:"actor_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CommentChangeFunction func(topic Topic)

type CommentSettings struct {
	// most recent entries retained client side per topic
	ActivityLimit int
}

func DefaultCommentSettings() *CommentSettings {
	return &CommentSettings{
		ActivityLimit: 100,
	}
}

type CommentLog struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionManager *ConnectionManager
	api               *CollabApi

	settings *CommentSettings

	changeCallbacks *CallbackList[CommentChangeFunction]

	stateLock sync.Mutex
	// topic -> root comments with nested replies
	comments map[Topic][]*Comment
	// topic -> entries, newest first
	activity map[Topic][]*ActivityLogEntry
	// topic -> next page for tail pagination
	activityPage map[Topic]int
}

func NewCommentLogWithDefaults(
	ctx context.Context,
	connectionManager *ConnectionManager,
	api *CollabApi,
) *CommentLog {
	return NewCommentLog(ctx, connectionManager, api, DefaultCommentSettings())
}

func NewCommentLog(
	ctx context.Context,
	connectionManager *ConnectionManager,
	api *CollabApi,
	settings *CommentSettings,
) *CommentLog {
	cancelCtx, cancel := context.WithCancel(ctx)
	commentLog := &CommentLog{
		ctx:               cancelCtx,
		cancel:            cancel,
		connectionManager: connectionManager,
		api:               api,
		settings:          settings,
		changeCallbacks:   NewCallbackList[CommentChangeFunction](),
		comments:          map[Topic][]*Comment{},
		activity:          map[Topic][]*ActivityLogEntry{},
		activityPage:      map[Topic]int{},
	}
	connectionManager.AddMessageCallback(commentLog.handleMessage)
	return commentLog
}

func (self *CommentLog) AddChangeCallback(callback CommentChangeFunction) Id {
	return self.changeCallbacks.Add(callback)
}

func (self *CommentLog) RemoveChangeCallback(callbackId Id) {
	self.changeCallbacks.Remove(callbackId)
}

// deep snapshot of the thread for a topic
func (self *CommentLog) Comments(topic Topic) []*Comment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	comments := []*Comment{}
	for _, comment := range self.comments[topic] {
		comments = append(comments, copyComment(comment))
	}
	return comments
}

func (self *CommentLog) Comment(commentId Id) (*Comment, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, roots := range self.comments {
		if _, _, comment := findComment(roots, commentId); comment != nil {
			return copyComment(comment), true
		}
	}
	return nil, false
}

// newest first
func (self *CommentLog) Activity(topic Topic) []*ActivityLogEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := []*ActivityLogEntry{}
	for _, entry := range self.activity[topic] {
		entryCopy := *entry
		entries = append(entries, &entryCopy)
	}
	return entries
}

// replaces the topic thread with the server state
func (self *CommentLog) LoadComments(tableId int64, rowId int64) error {
	result, err := self.api.GetCommentsSync(tableId, rowId)
	if err != nil {
		return err
	}
	topic := RowTopic(tableId, rowId)

	self.stateLock.Lock()
	roots := []*Comment{}
	for _, comment := range result.Comments {
		roots = append(roots, copyComment(comment))
	}
	self.comments[topic] = roots
	self.stateLock.Unlock()

	self.notify(topic)
	return nil
}

func (self *CommentLog) CreateComment(tableId int64, rowId int64, content string, parentId *Id) (*Comment, error) {
	result, err := self.api.CreateCommentSync(&CreateCommentArgs{
		TableId:  tableId,
		RowId:    rowId,
		Content:  content,
		ParentId: parentId,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, &RequestFailedError{Op: "create comment", Err: errors.New(result.Error.Message)}
	}

	comment := result.Comment
	self.applyComment(comment)
	self.broadcast(&CommentCreated{Topic: comment.Topic(), Comment: comment})
	return copyComment(comment), nil
}

func (self *CommentLog) UpdateComment(commentId Id, content string) (*Comment, error) {
	result, err := self.api.UpdateCommentSync(&UpdateCommentArgs{
		CommentId: commentId,
		Content:   content,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, &RequestFailedError{Op: "update comment", Err: errors.New(result.Error.Message)}
	}

	comment := result.Comment
	self.applyComment(comment)
	self.broadcast(&CommentUpdated{Topic: comment.Topic(), Comment: comment})
	return copyComment(comment), nil
}

func (self *CommentLog) ResolveComment(commentId Id, resolved bool) (*Comment, error) {
	result, err := self.api.ResolveCommentSync(&ResolveCommentArgs{
		CommentId: commentId,
		Resolved:  resolved,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, &RequestFailedError{Op: "resolve comment", Err: errors.New(result.Error.Message)}
	}

	comment := result.Comment
	self.applyComment(comment)
	self.broadcast(&CommentResolved{Topic: comment.Topic(), Comment: comment})
	return copyComment(comment), nil
}

func (self *CommentLog) DeleteComment(commentId Id) error {
	result, err := self.api.DeleteCommentSync(&DeleteCommentArgs{
		CommentId: commentId,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return &RequestFailedError{Op: "delete comment", Err: errors.New(result.Error.Message)}
	}

	topic, removed := self.removeComment(commentId)
	if removed {
		self.broadcast(&CommentDeleted{Topic: topic, CommentId: commentId})
	}
	return nil
}

// fetches the next activity page and appends it to the tail. entries
// delivered live while the fetch was in flight keep their place at the head.
func (self *CommentLog) LoadMoreActivity(tableId int64, rowId int64) (bool, error) {
	topic := RowTopic(tableId, rowId)

	self.stateLock.Lock()
	page := self.activityPage[topic]
	self.stateLock.Unlock()

	result, err := self.api.GetActivitySync(tableId, rowId, page)
	if err != nil {
		return false, err
	}

	self.stateLock.Lock()
	entries := self.activity[topic]
	for _, entry := range result.Entries {
		if slices.IndexFunc(entries, func(e *ActivityLogEntry) bool { return e.Id == entry.Id }) < 0 {
			entryCopy := *entry
			entries = append(entries, &entryCopy)
		}
	}
	self.activity[topic] = entries
	self.activityPage[topic] = page + 1
	self.stateLock.Unlock()

	self.notify(topic)
	return result.HasMore, nil
}

func (self *CommentLog) Close() {
	self.cancel()
}

func (self *CommentLog) handleMessage(message any) {
	switch v := message.(type) {
	case *CommentCreated:
		if v.Comment != nil {
			self.applyComment(v.Comment)
		}
	case *CommentUpdated:
		if v.Comment != nil {
			self.applyComment(v.Comment)
		}
	case *CommentResolved:
		if v.Comment != nil {
			self.applyComment(v.Comment)
		}
	case *CommentDeleted:
		self.removeComment(v.CommentId)
	case *ActivityLogged:
		if v.Entry != nil {
			self.applyActivity(v.Topic, v.Entry)
		}
	}
}

// upsert of the authoritative comment. the broadcast of an own write comes
// back from the server, so apply dedupes by id.
func (self *CommentLog) applyComment(comment *Comment) {
	topic := comment.Topic()

	self.stateLock.Lock()
	roots := self.comments[topic]
	if comment.ParentId == nil {
		if i := slices.IndexFunc(roots, func(c *Comment) bool { return c.Id == comment.Id }); 0 <= i {
			existing := roots[i]
			replacement := copyComment(comment)
			if len(replacement.Replies) == 0 {
				// an update response may omit replies. keep the thread.
				replacement.Replies = existing.Replies
			}
			roots[i] = replacement
		} else {
			roots = append(roots, copyComment(comment))
		}
		self.comments[topic] = roots
	} else {
		_, _, parent := findComment(roots, *comment.ParentId)
		if parent == nil {
			// thread not loaded locally. nothing to merge into.
			glog.V(1).Infof("[cl]reply %s for unknown parent %s\n", comment.Id, comment.ParentId)
			self.stateLock.Unlock()
			return
		}
		if i := slices.IndexFunc(parent.Replies, func(c *Comment) bool { return c.Id == comment.Id }); 0 <= i {
			parent.Replies[i] = copyComment(comment)
		} else {
			parent.Replies = append(parent.Replies, copyComment(comment))
		}
	}
	self.stateLock.Unlock()

	self.notify(topic)
}

// removes from the roots or from any reply list. removing a root
// cascade-deletes its replies.
func (self *CommentLog) removeComment(commentId Id) (Topic, bool) {
	self.stateLock.Lock()
	for topic, roots := range self.comments {
		if i := slices.IndexFunc(roots, func(c *Comment) bool { return c.Id == commentId }); 0 <= i {
			self.comments[topic] = slices.Delete(roots, i, i+1)
			self.stateLock.Unlock()
			self.notify(topic)
			return topic, true
		}
		for _, root := range roots {
			if i := slices.IndexFunc(root.Replies, func(c *Comment) bool { return c.Id == commentId }); 0 <= i {
				root.Replies = slices.Delete(root.Replies, i, i+1)
				self.stateLock.Unlock()
				self.notify(topic)
				return topic, true
			}
		}
	}
	self.stateLock.Unlock()
	return "", false
}

// insert at front ordered by recency, trimmed to the retention limit
func (self *CommentLog) applyActivity(topic Topic, entry *ActivityLogEntry) {
	self.stateLock.Lock()
	entries := self.activity[topic]
	if slices.IndexFunc(entries, func(e *ActivityLogEntry) bool { return e.Id == entry.Id }) < 0 {
		entryCopy := *entry
		entries = append([]*ActivityLogEntry{&entryCopy}, entries...)
		if self.settings.ActivityLimit < len(entries) {
			entries = entries[:self.settings.ActivityLimit]
		}
		self.activity[topic] = entries
	}
	self.stateLock.Unlock()

	self.notify(topic)
}

// best effort. other viewers also receive the authoritative state from the
// server on their own channel.
func (self *CommentLog) broadcast(message any) {
	if err := self.connectionManager.Send(message); err != nil {
		glog.V(1).Infof("[cl]broadcast dropped = %s\n", err)
	}
}

func (self *CommentLog) notify(topic Topic) {
	for _, callback := range self.changeCallbacks.Get() {
		callback(topic)
	}
}

func copyComment(comment *Comment) *Comment {
	commentCopy := *comment
	if comment.Replies != nil {
		replies := make([]*Comment, 0, len(comment.Replies))
		for _, reply := range comment.Replies {
			replyCopy := *reply
			replies = append(replies, &replyCopy)
		}
		commentCopy.Replies = replies
	}
	return &commentCopy
}

// searches the roots and the nested reply lists.
// returns (root index, parent, comment).
func findComment(roots []*Comment, commentId Id) (int, *Comment, *Comment) {
	for i, root := range roots {
		if root.Id == commentId {
			return i, nil, root
		}
		for _, reply := range root.Replies {
			if reply.Id == commentId {
				return i, root, reply
			}
		}
	}
	return -1, nil, nil
}
