package sheetsync

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

// RecordApi exposes an HTTP JSON record store. Hosts whose query capability
// lives behind an HTTP endpoint plug this in as the `RecordStore` for a
// registry. It also exposes the async callback variants for UI callers.
type RecordApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewRecordApi(apiUrl string) *RecordApi {
	return NewRecordApiWithContext(context.Background(), apiUrl)
}

func NewRecordApiWithContext(ctx context.Context, apiUrl string) *RecordApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &RecordApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *RecordApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *RecordApi) Close() {
	self.cancel()
}

type QueryRecordsCallback apiCallback[*RecordResult]

func (self *RecordApi) QueryRecords(query *RecordQuery, callback QueryRecordsCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/records/query", self.apiUrl),
		query,
		self.byJwt,
		&RecordResult{},
		callback,
	)
}

type ModelFieldsCallback apiCallback[*ModelFieldsResult]

type ModelFieldsArgs struct {
	Model string `json:"model"`
}

type ModelFieldsResult struct {
	Fields []*ModelField `json:"fields"`
}

func (self *RecordApi) QueryModelFields(modelFields *ModelFieldsArgs, callback ModelFieldsCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/records/fields", self.apiUrl),
		modelFields,
		self.byJwt,
		&ModelFieldsResult{},
		callback,
	)
}

// RecordStore implementation

func (self *RecordApi) Query(ctx context.Context, query *RecordQuery) (*RecordResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/records/query", self.apiUrl),
		query,
		self.byJwt,
		&RecordResult{},
		NewNoopApiCallback[*RecordResult](),
	)
}

func (self *RecordApi) ModelFields(ctx context.Context, model string) (map[string]*ModelField, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/records/fields", self.apiUrl),
		&ModelFieldsArgs{Model: model},
		self.byJwt,
		&ModelFieldsResult{},
		NewNoopApiCallback[*ModelFieldsResult](),
	)
	if err != nil {
		return nil, err
	}
	fields := map[string]*ModelField{}
	for _, field := range result.Fields {
		fields[field.Name] = field
	}
	return fields, nil
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
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
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
