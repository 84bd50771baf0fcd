package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	callback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

// request/response writes for comment crud and activity pagination.
// the realtime channel only broadcasts. all writes go through here.
type CollabApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewCollabApi(apiUrl string) *CollabApi {
	return NewCollabApiWithContext(context.Background(), apiUrl)
}

func NewCollabApiWithContext(ctx context.Context, apiUrl string) *CollabApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CollabApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *CollabApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type ApiError struct {
	Message string `json:"message"`
}

type CreateCommentCallback apiCallback[*CreateCommentResult]

type CreateCommentArgs struct {
	TableId  int64  `json:"table_id"`
	RowId    int64  `json:"row_id"`
	Content  string `json:"content"`
	ParentId *Id    `json:"parent_id,omitempty"`
}

type CreateCommentResult struct {
	Comment *Comment  `json:"comment,omitempty"`
	Error   *ApiError `json:"error,omitempty"`
}

func (self *CollabApi) CreateComment(createComment *CreateCommentArgs, callback CreateCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments", self.apiUrl),
		createComment,
		self.byJwt,
		&CreateCommentResult{},
		callback,
	)
}

func (self *CollabApi) CreateCommentSync(createComment *CreateCommentArgs) (*CreateCommentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments", self.apiUrl),
		createComment,
		self.byJwt,
		&CreateCommentResult{},
		NewNoopApiCallback[*CreateCommentResult](),
	)
}

type UpdateCommentCallback apiCallback[*UpdateCommentResult]

type UpdateCommentArgs struct {
	CommentId Id     `json:"comment_id"`
	Content   string `json:"content"`
}

type UpdateCommentResult struct {
	Comment *Comment  `json:"comment,omitempty"`
	Error   *ApiError `json:"error,omitempty"`
}

func (self *CollabApi) UpdateComment(updateComment *UpdateCommentArgs, callback UpdateCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments/update", self.apiUrl),
		updateComment,
		self.byJwt,
		&UpdateCommentResult{},
		callback,
	)
}

func (self *CollabApi) UpdateCommentSync(updateComment *UpdateCommentArgs) (*UpdateCommentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments/update", self.apiUrl),
		updateComment,
		self.byJwt,
		&UpdateCommentResult{},
		NewNoopApiCallback[*UpdateCommentResult](),
	)
}

type ResolveCommentCallback apiCallback[*ResolveCommentResult]

type ResolveCommentArgs struct {
	CommentId Id   `json:"comment_id"`
	Resolved  bool `json:"resolved"`
}

type ResolveCommentResult struct {
	Comment *Comment  `json:"comment,omitempty"`
	Error   *ApiError `json:"error,omitempty"`
}

func (self *CollabApi) ResolveComment(resolveComment *ResolveCommentArgs, callback ResolveCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments/resolve", self.apiUrl),
		resolveComment,
		self.byJwt,
		&ResolveCommentResult{},
		callback,
	)
}

func (self *CollabApi) ResolveCommentSync(resolveComment *ResolveCommentArgs) (*ResolveCommentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments/resolve", self.apiUrl),
		resolveComment,
		self.byJwt,
		&ResolveCommentResult{},
		NewNoopApiCallback[*ResolveCommentResult](),
	)
}

type DeleteCommentCallback apiCallback[*DeleteCommentResult]

type DeleteCommentArgs struct {
	CommentId Id `json:"comment_id"`
}

type DeleteCommentResult struct {
	CommentId Id        `json:"comment_id"`
	Error     *ApiError `json:"error,omitempty"`
}

func (self *CollabApi) DeleteComment(deleteComment *DeleteCommentArgs, callback DeleteCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments/delete", self.apiUrl),
		deleteComment,
		self.byJwt,
		&DeleteCommentResult{},
		callback,
	)
}

func (self *CollabApi) DeleteCommentSync(deleteComment *DeleteCommentArgs) (*DeleteCommentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments/delete", self.apiUrl),
		deleteComment,
		self.byJwt,
		&DeleteCommentResult{},
		NewNoopApiCallback[*DeleteCommentResult](),
	)
}

type GetCommentsCallback apiCallback[*GetCommentsResult]

type GetCommentsResult struct {
	Comments []*Comment `json:"comments"`
}

func (self *CollabApi) GetComments(tableId int64, rowId int64, callback GetCommentsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments?table_id=%d&row_id=%d", self.apiUrl, tableId, rowId),
		self.byJwt,
		&GetCommentsResult{},
		callback,
	)
}

func (self *CollabApi) GetCommentsSync(tableId int64, rowId int64) (*GetCommentsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/collaboration/comments?table_id=%d&row_id=%d", self.apiUrl, tableId, rowId),
		self.byJwt,
		&GetCommentsResult{},
		NewNoopApiCallback[*GetCommentsResult](),
	)
}

type GetActivityCallback apiCallback[*GetActivityResult]

type GetActivityResult struct {
	Entries []*ActivityLogEntry `json:"entries"`
	Page    int                 `json:"page"`
	HasMore bool                `json:"has_more"`
}

func (self *CollabApi) GetActivity(tableId int64, rowId int64, page int, callback GetActivityCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/collaboration/activity?table_id=%d&row_id=%d&page=%d", self.apiUrl, tableId, rowId, page),
		self.byJwt,
		&GetActivityResult{},
		callback,
	)
}

func (self *CollabApi) GetActivitySync(tableId int64, rowId int64, page int) (*GetActivityResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/collaboration/activity?table_id=%d&row_id=%d&page=%d", self.apiUrl, tableId, rowId, page),
		self.byJwt,
		&GetActivityResult{},
		NewNoopApiCallback[*GetActivityResult](),
	)
}

type GetWidgetDataCallback apiCallback[*GetWidgetDataResult]

type GetWidgetDataResult struct {
	WidgetId int64           `json:"widget_id"`
	Data     json.RawMessage `json:"data"`
}

func (self *CollabApi) GetWidgetData(widgetId int64, callback GetWidgetDataCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/widgets/%d/data", self.apiUrl, widgetId),
		self.byJwt,
		&GetWidgetDataResult{},
		callback,
	)
}

func (self *CollabApi) GetWidgetDataSync(widgetId int64) (*GetWidgetDataResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/widgets/%d/data", self.apiUrl, widgetId),
		self.byJwt,
		&GetWidgetDataResult{},
		NewNoopApiCallback[*GetWidgetDataResult](),
	)
}

func (self *CollabApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		requestErr := &RequestFailedError{Op: url, Err: err}
		callback.Result(empty, requestErr)
		return empty, requestErr
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		requestErr := &RequestFailedError{Op: url, Err: fmt.Errorf("%d %s", r.StatusCode, errorMessage)}
		callback.Result(result, requestErr)
		return result, requestErr
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		requestErr := &RequestFailedError{Op: url, Err: err}
		callback.Result(empty, requestErr)
		return empty, requestErr
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		requestErr := &RequestFailedError{Op: url, Err: fmt.Errorf("%d %s", r.StatusCode, errorMessage)}
		callback.Result(result, requestErr)
		return result, requestErr
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
