package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// in-memory comment/activity endpoint for tests. comments are stored flat and
// nested into threads on read, the way the production api shapes them.

type testApiServer struct {
	httpServer *httptest.Server

	mutex    sync.Mutex
	comments []*Comment
	activity []*ActivityLogEntry

	activityPageSize int
}

func newTestApiServer() *testApiServer {
	server := &testApiServer{
		activityPageSize: 5,
	}
	// method-dispatching registration, equivalent to the go 1.22+ serve mux
	// "METHOD /path" patterns, for toolchains that predate them
	handleMethod := func(mux *http.ServeMux, method string, path string, handler http.HandlerFunc) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
				return
			}
			handler(w, r)
		})
	}
	handleMethods := func(mux *http.ServeMux, path string, handlers map[string]http.HandlerFunc) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if handler, ok := handlers[r.Method]; ok {
				handler(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		})
	}
	mux := http.NewServeMux()
	handleMethods(mux, "/collaboration/comments", map[string]http.HandlerFunc{
		http.MethodPost: server.createComment,
		http.MethodGet:  server.getComments,
	})
	handleMethod(mux, http.MethodPost, "/collaboration/comments/update", server.updateComment)
	handleMethod(mux, http.MethodPost, "/collaboration/comments/resolve", server.resolveComment)
	handleMethod(mux, http.MethodPost, "/collaboration/comments/delete", server.deleteComment)
	handleMethod(mux, http.MethodGet, "/collaboration/activity", server.getActivity)
	server.httpServer = httptest.NewServer(mux)
	return server
}

func (self *testApiServer) close() {
	self.httpServer.Close()
}

func (self *testApiServer) findComment(commentId Id) *Comment {
	for _, comment := range self.comments {
		if comment.Id == commentId {
			return comment
		}
	}
	return nil
}

func (self *testApiServer) createComment(w http.ResponseWriter, r *http.Request) {
	var args CreateCommentArgs
	json.NewDecoder(r.Body).Decode(&args)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if args.ParentId != nil {
		parent := self.findComment(*args.ParentId)
		if parent == nil || parent.ParentId != nil {
			// one level of nesting only
			json.NewEncoder(w).Encode(&CreateCommentResult{
				Error: &ApiError{Message: "bad parent"},
			})
			return
		}
	}
	comment := &Comment{
		Id:        NewId(),
		TableId:   args.TableId,
		RowId:     args.RowId,
		Content:   args.Content,
		ParentId:  args.ParentId,
		CreatedAt: time.Now().UTC(),
	}
	self.comments = append(self.comments, comment)
	json.NewEncoder(w).Encode(&CreateCommentResult{Comment: comment})
}

func (self *testApiServer) getComments(w http.ResponseWriter, r *http.Request) {
	tableId, _ := strconv.ParseInt(r.URL.Query().Get("table_id"), 10, 64)
	rowId, _ := strconv.ParseInt(r.URL.Query().Get("row_id"), 10, 64)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	roots := []*Comment{}
	for _, comment := range self.comments {
		if comment.TableId == tableId && comment.RowId == rowId && comment.ParentId == nil {
			root := *comment
			root.Replies = nil
			for _, reply := range self.comments {
				if reply.ParentId != nil && *reply.ParentId == comment.Id {
					replyCopy := *reply
					root.Replies = append(root.Replies, &replyCopy)
				}
			}
			roots = append(roots, &root)
		}
	}
	json.NewEncoder(w).Encode(&GetCommentsResult{Comments: roots})
}

func (self *testApiServer) updateComment(w http.ResponseWriter, r *http.Request) {
	var args UpdateCommentArgs
	json.NewDecoder(r.Body).Decode(&args)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	comment := self.findComment(args.CommentId)
	if comment == nil {
		json.NewEncoder(w).Encode(&UpdateCommentResult{
			Error: &ApiError{Message: "not found"},
		})
		return
	}
	comment.Content = args.Content
	comment.UpdatedAt = time.Now().UTC()
	json.NewEncoder(w).Encode(&UpdateCommentResult{Comment: comment})
}

func (self *testApiServer) resolveComment(w http.ResponseWriter, r *http.Request) {
	var args ResolveCommentArgs
	json.NewDecoder(r.Body).Decode(&args)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	comment := self.findComment(args.CommentId)
	if comment == nil {
		json.NewEncoder(w).Encode(&ResolveCommentResult{
			Error: &ApiError{Message: "not found"},
		})
		return
	}
	comment.Resolved = args.Resolved
	json.NewEncoder(w).Encode(&ResolveCommentResult{Comment: comment})
}

func (self *testApiServer) deleteComment(w http.ResponseWriter, r *http.Request) {
	var args DeleteCommentArgs
	json.NewDecoder(r.Body).Decode(&args)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	kept := []*Comment{}
	found := false
	for _, comment := range self.comments {
		if comment.Id == args.CommentId {
			found = true
			continue
		}
		// delete cascades to replies
		if comment.ParentId != nil && *comment.ParentId == args.CommentId {
			continue
		}
		kept = append(kept, comment)
	}
	self.comments = kept
	if !found {
		json.NewEncoder(w).Encode(&DeleteCommentResult{
			Error: &ApiError{Message: "not found"},
		})
		return
	}
	json.NewEncoder(w).Encode(&DeleteCommentResult{CommentId: args.CommentId})
}

func (self *testApiServer) getActivity(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	self.mutex.Lock()
	defer self.mutex.Unlock()

	start := page * self.activityPageSize
	end := min(start+self.activityPageSize, len(self.activity))
	entries := []*ActivityLogEntry{}
	if start < end {
		entries = self.activity[start:end]
	}
	json.NewEncoder(w).Encode(&GetActivityResult{
		Entries: entries,
		Page:    page,
		HasMore: end < len(self.activity),
	})
}

func newTestCommentLog(ctx context.Context, apiServer *testApiServer, settings *CommentSettings) *CommentLog {
	auth := &ClientAuth{ByJwt: ""}
	manager := NewConnectionManager(ctx, "ws://127.0.0.1:1", auth, testConnectionManagerSettings())
	api := NewCollabApiWithContext(ctx, apiServer.httpServer.URL)
	return NewCommentLog(ctx, manager, api, settings)
}

func TestCommentThread(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := newTestApiServer()
	defer apiServer.close()

	commentLog := newTestCommentLog(ctx, apiServer, DefaultCommentSettings())
	defer commentLog.Close()

	topic := RowTopic(1, 2)

	root, err := commentLog.CreateComment(1, 2, "looks wrong", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, root.Content, "looks wrong")
	assert.Equal(t, root.Topic(), topic)

	reply, err := commentLog.CreateComment(1, 2, "agreed", &root.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, *reply.ParentId, root.Id)

	// the reply nests under its parent and does not appear as a root
	comments := commentLog.Comments(topic)
	assert.Equal(t, len(comments), 1)
	assert.Equal(t, comments[0].Id, root.Id)
	assert.Equal(t, len(comments[0].Replies), 1)
	assert.Equal(t, comments[0].Replies[0].Id, reply.Id)

	found, ok := commentLog.Comment(reply.Id)
	assert.Equal(t, ok, true)
	assert.Equal(t, found.Content, "agreed")

	// replying to a reply is rejected
	_, err = commentLog.CreateComment(1, 2, "too deep", &reply.Id)
	assert.NotEqual(t, err, nil)

	updated, err := commentLog.UpdateComment(reply.Id, "agreed, fixed")
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Content, "agreed, fixed")
	found, _ = commentLog.Comment(reply.Id)
	assert.Equal(t, found.Content, "agreed, fixed")

	resolved, err := commentLog.ResolveComment(root.Id, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, resolved.Resolved, true)
	// resolving the root keeps the thread intact
	comments = commentLog.Comments(topic)
	assert.Equal(t, comments[0].Resolved, true)
	assert.Equal(t, len(comments[0].Replies), 1)

	// deleting the root cascades to the reply
	err = commentLog.DeleteComment(root.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, commentLog.Comments(topic), []*Comment{})
	_, ok = commentLog.Comment(reply.Id)
	assert.Equal(t, ok, false)
}

func TestLoadComments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := newTestApiServer()
	defer apiServer.close()

	// state written by other sessions
	rootId := NewId()
	apiServer.comments = []*Comment{
		{Id: rootId, TableId: 1, RowId: 2, Content: "from elsewhere", CreatedAt: time.Now().UTC()},
		{Id: NewId(), TableId: 1, RowId: 2, Content: "a reply", ParentId: &rootId, CreatedAt: time.Now().UTC()},
		{Id: NewId(), TableId: 1, RowId: 3, Content: "other row", CreatedAt: time.Now().UTC()},
	}

	commentLog := newTestCommentLog(ctx, apiServer, DefaultCommentSettings())
	defer commentLog.Close()

	err := commentLog.LoadComments(1, 2)
	assert.Equal(t, err, nil)

	comments := commentLog.Comments(RowTopic(1, 2))
	assert.Equal(t, len(comments), 1)
	assert.Equal(t, comments[0].Id, rootId)
	assert.Equal(t, len(comments[0].Replies), 1)
	// the other row's thread is untouched
	assert.Equal(t, commentLog.Comments(RowTopic(1, 3)), []*Comment{})
}

func TestCommentBroadcastApply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := newTestApiServer()
	defer apiServer.close()

	commentLog := newTestCommentLog(ctx, apiServer, DefaultCommentSettings())
	defer commentLog.Close()

	topic := RowTopic(1, 2)
	comment := &Comment{
		Id:        NewId(),
		TableId:   1,
		RowId:     2,
		AuthorId:  NewId(),
		Content:   "from another viewer",
		CreatedAt: time.Now().UTC(),
	}

	commentLog.handleMessage(&CommentCreated{Topic: topic, Comment: comment})
	assert.Equal(t, len(commentLog.Comments(topic)), 1)

	// the echo of an own write dedupes by id
	commentLog.handleMessage(&CommentCreated{Topic: topic, Comment: comment})
	assert.Equal(t, len(commentLog.Comments(topic)), 1)

	// a reply for a parent that is not loaded locally is dropped
	orphanParentId := NewId()
	commentLog.handleMessage(&CommentCreated{Topic: topic, Comment: &Comment{
		Id:        NewId(),
		TableId:   1,
		RowId:     2,
		Content:   "orphan",
		ParentId:  &orphanParentId,
		CreatedAt: time.Now().UTC(),
	}})
	comments := commentLog.Comments(topic)
	assert.Equal(t, len(comments), 1)
	assert.Equal(t, len(comments[0].Replies), 0)

	commentLog.handleMessage(&CommentDeleted{Topic: topic, CommentId: comment.Id})
	assert.Equal(t, commentLog.Comments(topic), []*Comment{})
}

func TestActivityFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := newTestApiServer()
	defer apiServer.close()

	settings := &CommentSettings{
		ActivityLimit: 5,
	}
	commentLog := newTestCommentLog(ctx, apiServer, settings)
	defer commentLog.Close()

	topic := RowTopic(1, 2)
	actorId := NewId()

	entryIds := []Id{}
	for i := 0; i < 8; i++ {
		entry := &ActivityLogEntry{
			Id:        NewId(),
			TableId:   1,
			RowId:     2,
			ActorId:   actorId,
			Action:    "row_updated",
			Detail:    fmt.Sprintf("edit %d", i),
			CreatedAt: time.Now().UTC(),
		}
		entryIds = append(entryIds, entry.Id)
		commentLog.handleMessage(&ActivityLogged{Topic: topic, Entry: entry})
	}

	// newest first, trimmed to the retention limit
	activity := commentLog.Activity(topic)
	assert.Equal(t, len(activity), settings.ActivityLimit)
	assert.Equal(t, activity[0].Id, entryIds[7])
	assert.Equal(t, activity[4].Id, entryIds[3])

	// a duplicate id is dropped
	commentLog.handleMessage(&ActivityLogged{Topic: topic, Entry: &ActivityLogEntry{
		Id:      entryIds[7],
		TableId: 1,
		RowId:   2,
		ActorId: actorId,
		Action:  "row_updated",
	}})
	activity = commentLog.Activity(topic)
	assert.Equal(t, len(activity), settings.ActivityLimit)
	assert.Equal(t, activity[0].Id, entryIds[7])
}

func TestLoadMoreActivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := newTestApiServer()
	defer apiServer.close()

	actorId := NewId()
	for i := 0; i < 12; i++ {
		apiServer.activity = append(apiServer.activity, &ActivityLogEntry{
			Id:        NewId(),
			TableId:   1,
			RowId:     2,
			ActorId:   actorId,
			Action:    "row_updated",
			Detail:    fmt.Sprintf("edit %d", i),
			CreatedAt: time.Now().UTC(),
		})
	}

	commentLog := newTestCommentLog(ctx, apiServer, DefaultCommentSettings())
	defer commentLog.Close()

	topic := RowTopic(1, 2)

	// a live entry lands before any page is fetched. it keeps the head.
	liveEntry := &ActivityLogEntry{
		Id:        NewId(),
		TableId:   1,
		RowId:     2,
		ActorId:   actorId,
		Action:    "comment_created",
		CreatedAt: time.Now().UTC(),
	}
	commentLog.handleMessage(&ActivityLogged{Topic: topic, Entry: liveEntry})

	hasMore, err := commentLog.LoadMoreActivity(1, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, hasMore, true)
	activity := commentLog.Activity(topic)
	assert.Equal(t, len(activity), 6)
	assert.Equal(t, activity[0].Id, liveEntry.Id)
	assert.Equal(t, activity[1].Id, apiServer.activity[0].Id)

	hasMore, err = commentLog.LoadMoreActivity(1, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, hasMore, true)
	assert.Equal(t, len(commentLog.Activity(topic)), 11)

	hasMore, err = commentLog.LoadMoreActivity(1, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, hasMore, false)
	activity = commentLog.Activity(topic)
	assert.Equal(t, len(activity), 13)
	assert.Equal(t, activity[12].Id, apiServer.activity[11].Id)

	// a page fetched twice does not duplicate
	_, err = commentLog.LoadMoreActivity(1, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(commentLog.Activity(topic)), 13)
}
