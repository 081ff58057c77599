package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// DocumentApi is the client of the authoritative document service. The
// durable write (UpdateDocument) is the source of truth for an edit; the
// channel broadcast is best effort on top of it.
type DocumentApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewDocumentApi(apiUrl string) *DocumentApi {
	return NewDocumentApiWithContext(context.Background(), apiUrl)
}

func NewDocumentApiWithContext(ctx context.Context, apiUrl string) *DocumentApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &DocumentApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *DocumentApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *DocumentApi) Close() {
	self.cancel()
}

type GetDocumentCallback apiCallback[*GetDocumentResult]

type GetDocumentResult struct {
	Id        string `json:"id"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func (self *DocumentApi) GetDocument(documentId Id, callback GetDocumentCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/document/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentResult{},
		callback,
	)
}

func (self *DocumentApi) GetDocumentSync(documentId Id) (*GetDocumentResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/document/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentResult{},
		NewNoopApiCallback[*GetDocumentResult](),
	)
}

type UpdateDocumentCallback apiCallback[*UpdateDocumentResult]

type UpdateDocumentArgs struct {
	DocumentId Id     `json:"document_id"`
	ChangeType string `json:"change_type"`
	Content    string `json:"content"`
	Position   int    `json:"position"`
	Length     int    `json:"length"`
	UserId     Id     `json:"user_id"`
	UserName   string `json:"user_name"`
}

type UpdateDocumentResult struct {
	Content   string `json:"content,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func (self *DocumentApi) UpdateDocument(updateDocument *UpdateDocumentArgs, callback UpdateDocumentCallback) {
	go request(
		self.ctx,
		"PUT",
		fmt.Sprintf("%s/api/document/%s", self.apiUrl, updateDocument.DocumentId),
		updateDocument,
		self.byJwt,
		&UpdateDocumentResult{},
		callback,
	)
}

func (self *DocumentApi) UpdateDocumentSync(updateDocument *UpdateDocumentArgs) (*UpdateDocumentResult, error) {
	return request(
		self.ctx,
		"PUT",
		fmt.Sprintf("%s/api/document/%s", self.apiUrl, updateDocument.DocumentId),
		updateDocument,
		self.byJwt,
		&UpdateDocumentResult{},
		NewNoopApiCallback[*UpdateDocumentResult](),
	)
}

type GetChangesCallback apiCallback[*GetChangesResult]

type GetChangesResult struct {
	Changes []*ChangeRecord `json:"changes"`
}

type ChangeRecord struct {
	Id         string `json:"id"`
	DocumentId string `json:"document_id"`
	ChangeType string `json:"change_type"`
	Content    string `json:"content"`
	Position   int    `json:"position"`
	Length     int    `json:"length"`
	UserId     string `json:"user_id"`
	UserName   string `json:"user_name"`
	Timestamp  string `json:"timestamp"`
}

// ToChange converts a service change record for the local history.
func (self *ChangeRecord) ToChange() *Change {
	change := &Change{
		ChangeType: self.ChangeType,
		Content:    self.Content,
		Position:   self.Position,
		Length:     self.Length,
		UserName:   self.UserName,
	}
	change.Id, _ = ParseId(self.Id)
	change.DocumentId, _ = ParseId(self.DocumentId)
	change.UserId, _ = ParseId(self.UserId)
	change.Timestamp, _ = time.Parse(time.RFC3339Nano, self.Timestamp)
	return change
}

func (self *DocumentApi) GetChanges(documentId Id, callback GetChangesCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/changes/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetChangesResult{},
		callback,
	)
}

func (self *DocumentApi) GetChangesSync(documentId Id) (*GetChangesResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/changes/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetChangesResult{},
		NewNoopApiCallback[*GetChangesResult](),
	)
}

type GetStatsCallback apiCallback[*Stats]

func (self *DocumentApi) GetStats(callback GetStatsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/stats", self.apiUrl),
		self.byJwt,
		&Stats{},
		callback,
	)
}

func (self *DocumentApi) GetStatsSync() (*Stats, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/stats", self.apiUrl),
		self.byJwt,
		&Stats{},
		NewNoopApiCallback[*Stats](),
	)
}

// errorBody is how the service reports failures: a non-200 status with a
// json `{"error": "..."}` body. Policy rejections arrive this way too.
type errorBody struct {
	Error string `json:"error"`
}

func request[R any](ctx context.Context, method string, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
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

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		var body errorBody
		if jsonErr := json.Unmarshal(responseBodyBytes, &body); jsonErr == nil && body.Error != "" {
			err = errors.New(body.Error)
		} else {
			err = errors.New(strings.TrimSpace(string(responseBodyBytes)))
		}
		callback.Result(result, err)
		return result, err
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
	return request(ctx, "GET", url, nil, byJwt, result, callback)
}
