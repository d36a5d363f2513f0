package testutil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
)

// RequestResponseMap is a mapping from Requests to Responses
type RequestResponseMap []RequestResponseMapping

// RequestResponseMapping defines a Response to be sent in response to a
// given Request. A Request mapped more than once is answered with its
// Responses in order.
type RequestResponseMapping struct {
	Request  Request
	Response Response
}

// Request is a simplified http.Request object
type Request struct {
	// Method is the http method of the request, for example GET
	Method string

	// Route is the http route of this request
	Route string

	// QueryParams are the query parameters of this request
	QueryParams map[string][]string

	// Body is the byte contents of the http request
	Body []byte

	// Headers are the header for this request
	Headers http.Header
}

func (r Request) String() string {
	queryString := ""
	if len(r.QueryParams) > 0 {
		keys := make([]string, 0, len(r.QueryParams))
		queryParts := make([]string, 0, len(r.QueryParams))
		for k := range r.QueryParams {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, val := range r.QueryParams[k] {
				queryParts = append(queryParts, fmt.Sprintf("%s=%s", k, val))
			}
		}
		queryString = "?" + strings.Join(queryParts, "&")
	}
	return fmt.Sprintf("%s %s%s\n%s", r.Method, r.Route, queryString, r.Body)
}

// Response is a simplified http.Response object
type Response struct {
	// Statuscode is the http status code of the Response
	StatusCode int

	// Headers are the http headers of this Response
	Headers http.Header

	// Body is the response body
	Body []byte
}

// testHandler is an http.Handler with a defined mapping from Request to an
// ordered list of Response objects
type testHandler struct {
	mu          sync.Mutex
	responseMap map[string][]Response
	headers     map[string][]http.Header
}

// NewHandler returns a new test handler that responds to defined requests
// with specified responses.
// Each time a Request is received, the next Response is returned in the
// mapping, until no Responses are defined, at which point a 404 is sent back
func NewHandler(requestResponseMap RequestResponseMap) http.Handler {
	responseMap := make(map[string][]Response)
	headers := make(map[string][]http.Header)
	for _, mapping := range requestResponseMap {
		key := mapping.Request.String()
		responseMap[key] = append(responseMap[key], mapping.Response)
		headers[key] = append(headers[key], mapping.Request.Headers)
	}
	return &testHandler{responseMap: responseMap, headers: headers}
}

func (app *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	requestBody, _ := io.ReadAll(r.Body)
	request := Request{
		Method:      r.Method,
		Route:       r.URL.Path,
		QueryParams: r.URL.Query(),
		Body:        requestBody,
	}

	app.mu.Lock()
	key := request.String()
	responses, ok := app.responseMap[key]
	if !ok || len(responses) == 0 {
		app.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	response := responses[0]
	app.responseMap[key] = responses[1:]
	wantHeaders := app.headers[key][0]
	app.headers[key] = app.headers[key][1:]
	app.mu.Unlock()

	for k, v := range wantHeaders {
		if got := r.Header.Values(k); !slices.Equal(got, v) {
			http.Error(w, fmt.Sprintf("header %s: got %q, want %q", k, got, v), http.StatusBadRequest)
			return
		}
	}

	responseHeader := w.Header()
	for k, v := range response.Headers {
		responseHeader[k] = v
	}

	w.WriteHeader(response.StatusCode)

	_, _ = io.Copy(w, bytes.NewReader(response.Body))
}
