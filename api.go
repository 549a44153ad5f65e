package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// http client for the document/content api. used for the initial load and
// as the non-realtime fallback when the sync connection is unavailable.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const defaultDocumentCacheTtl = 30 * time.Second

func defaultClient() *http.Client {
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

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		select {
		case c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

type DocumentRecord struct {
	DocumentId string    `json:"document_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type DocsApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	authToken string

	httpClient *http.Client
	// ttl cache over GetDocument, invalidated on write
	documentCache *gocache.Cache
}

func NewDocsApi(apiUrl string) *DocsApi {
	return NewDocsApiWithContext(context.Background(), apiUrl)
}

func NewDocsApiWithContext(ctx context.Context, apiUrl string) *DocsApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &DocsApi{
		ctx:           cancelCtx,
		cancel:        cancel,
		apiUrl:        apiUrl,
		httpClient:    defaultClient(),
		documentCache: gocache.New(defaultDocumentCacheTtl, 2*defaultDocumentCacheTtl),
	}
}

// attached to api calls that need it
func (self *DocsApi) SetAuthToken(authToken string) {
	self.authToken = authToken
}

type GetDocumentCallback apiCallback[*DocumentRecord]

func (self *DocsApi) GetDocument(documentId string, callback GetDocumentCallback) {
	if cached, ok := self.documentCache.Get(documentId); ok {
		callback.Result(cached.(*DocumentRecord), nil)
		return
	}
	go func() {
		result, err := self.get(fmt.Sprintf("%s/documents/%s", self.apiUrl, documentId))
		if err == nil {
			self.documentCache.SetDefault(documentId, result)
		}
		callback.Result(result, err)
	}()
}

// GetDocumentSync is the blocking variant used on initial load
func (self *DocsApi) GetDocumentSync(documentId string) (*DocumentRecord, error) {
	callback, c := NewBlockingApiCallback[*DocumentRecord](self.ctx)
	self.GetDocument(documentId, callback)
	select {
	case r := <-c:
		return r.Result, r.Error
	case <-self.ctx.Done():
		return nil, errors.New("api closed")
	}
}

type UpdateDocumentCallback apiCallback[*DocumentRecord]

// UpdateDocument writes content through the http api. This is the
// non-realtime fallback path, not the sync protocol.
func (self *DocsApi) UpdateDocument(documentId string, content string, callback UpdateDocumentCallback) {
	self.documentCache.Delete(documentId)
	go func() {
		body, err := json.Marshal(map[string]string{
			"content": content,
		})
		if err != nil {
			callback.Result(nil, err)
			return
		}
		result, err := self.put(fmt.Sprintf("%s/documents/%s", self.apiUrl, documentId), body)
		callback.Result(result, err)
	}()
}

func (self *DocsApi) get(url string) (*DocumentRecord, error) {
	req, err := http.NewRequestWithContext(self.ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return self.do(req)
}

func (self *DocsApi) put(url string, body []byte) (*DocumentRecord, error) {
	req, err := http.NewRequestWithContext(self.ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return self.do(req)
}

func (self *DocsApi) do(req *http.Request) (*DocumentRecord, error) {
	if self.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+self.authToken)
	}
	res, err := self.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "document api request")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("document api status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "document api read")
	}
	record := &DocumentRecord{}
	if err := json.Unmarshal(body, record); err != nil {
		return nil, errors.Wrap(err, "document api decode")
	}
	return record, nil
}

func (self *DocsApi) Close() {
	self.cancel()
}
