// Copyright 2021 The zombiezen Go Snowflake Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package idclient provides a client for a Snowflake ID server,
// such as the one provided by package idserver.
package idclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/semconv/v1.7.0"
	"go.opentelemetry.io/otel/trace"
	"zombiezen.com/go/snowflake"
)

const maxResponseSize = 4 << 20 // 4 MiB

// HTTP headers
const (
	authorizationHeaderName = "Authorization"
	contentTypeHeaderName   = "Content-Type"
	retryAfterHeaderName    = "Retry-After"
	retryAfterMSHeaderName  = "X-Snowflake-Retry-After-Ms"
	userAgentHeaderName     = "User-Agent"
)

const (
	jsonMediaType           = "application/json"
	outgoingJSONContentType = "application/json; charset=utf-8"
)

const defaultMaxRetries = 3

func tracer() trace.Tracer {
	return otel.Tracer("zombiezen.com/go/snowflake/idclient")
}

// Client is a client of a Snowflake ID server.
// It is safe to call Client's methods from multiple goroutines.
type Client struct {
	base       url.URL
	auth       AuthHeader
	http       *http.Client
	userAgent  string
	maxRetries int

	mu           sync.Mutex
	backoffUntil time.Time
}

// ClientOptions holds optional parameters for NewClient.
type ClientOptions struct {
	// BaseURL specifies the server's API URL. If nil, http://localhost:8080/api/v1
	// is used.
	BaseURL *url.URL

	// HTTPClient is used to make HTTP requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// UserAgent is the name of the application accessing the server.
	UserAgent string

	// MaxRetries is the number of times a request is retried
	// after the server reports that its clock moved backwards.
	// Zero means 3. Negative disables retries.
	MaxRetries int
}

// NewClient returns a new client. opts may be nil. NewClient panics if
// auth is not empty and auth.IsValid() reports false.
func NewClient(auth AuthHeader, opts *ClientOptions) *Client {
	if auth != "" && !auth.IsValid() {
		panic("invalid Authorization passed to idclient.NewClient")
	}
	c := &Client{
		auth:       auth,
		base:       *defaultBaseURL(),
		http:       http.DefaultClient,
		userAgent:  "zombiezen.com/go/snowflake " + moduleVersion(),
		maxRetries: defaultMaxRetries,
	}
	if opts != nil {
		if opts.BaseURL != nil {
			c.base = *opts.BaseURL
		}
		if opts.HTTPClient != nil {
			c.http = opts.HTTPClient
		}
		if opts.UserAgent != "" {
			c.userAgent = opts.UserAgent
		}
		switch {
		case opts.MaxRetries < 0:
			c.maxRetries = 0
		case opts.MaxRetries > 0:
			c.maxRetries = opts.MaxRetries
		}
	}
	return c
}

type apiRequest struct {
	method   string
	route    string
	pathVars map[string]string
	jsonData []byte
}

func (req *apiRequest) resolveURL(base *url.URL) *url.URL {
	u := new(url.URL)
	*u = *base
	path, rawPath := req.route, req.route
	if len(req.pathVars) > 0 {
		replacements := make([]string, 0, len(req.pathVars)*2)
		rawReplacements := make([]string, 0, len(req.pathVars)*2)
		for k, v := range req.pathVars {
			replacements = append(replacements, "{"+k+"}", v)
			rawReplacements = append(rawReplacements, "{"+k+"}", url.PathEscape(v))
		}
		path = strings.NewReplacer(replacements...).Replace(path)
		rawPath = strings.NewReplacer(rawReplacements...).Replace(rawPath)
	}
	u.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawPath = strings.TrimRight(base.EscapedPath(), "/") + "/" + strings.TrimLeft(rawPath, "/")
	return u
}

func (req *apiRequest) newHTTP(base *url.URL, userAgent string) *http.Request {
	h := &http.Request{
		Method: req.method,
		URL:    req.resolveURL(base),
		Header: http.Header{
			userAgentHeaderName: {userAgent},
		},
	}
	if len(req.jsonData) > 0 {
		h.Header.Set(contentTypeHeaderName, outgoingJSONContentType)
		h.Body = io.NopCloser(bytes.NewReader(req.jsonData))
		h.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(req.jsonData)), nil
		}
		h.ContentLength = int64(len(req.jsonData))
	}
	return h
}

func (c *Client) do(ctx context.Context, req *apiRequest) (_ *http.Response, err error) {
	errURL := req.resolveURL(&c.base)
	errURL.User = nil
	errURL.Fragment = ""
	errURL.RawFragment = ""
	errURL.RawQuery = ""
	errURL.ForceQuery = false
	ctx, span := tracer().Start(
		ctx,
		fmt.Sprintf("Snowflake %s %s", req.method, req.route),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(semconv.HTTPClientAttributesFromHTTPRequest(req.newHTTP(&c.base, c.userAgent))...),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "")
		}
		span.End()
	}()

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		// Wait for the server's clock to catch up, if known.
		if err := c.waitForBackoff(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", errURL, err)
		}

		// Make request.
		var err error
		httpReq := req.newHTTP(&c.base, c.userAgent).WithContext(ctx)
		if c.auth != "" {
			httpReq.Header[authorizationHeaderName] = []string{string(c.auth)}
		}
		resp, err = c.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errURL, err)
		}

		// Back off and try again if the server's clock moved backwards.
		if resp.StatusCode != http.StatusServiceUnavailable || attempt >= c.maxRetries {
			break
		}
		wait, ok := parseRetryAfter(resp.Header)
		if !ok {
			break
		}
		resp.Body.Close()
		c.recordBackoff(wait)
		span.AddEvent(fmt.Sprintf("Server clock regression on %s; retrying in %v", req.route, wait))
	}

	span.SetAttributes(semconv.HTTPAttributesFromHTTPStatusCode(resp.StatusCode)...)
	if !(200 <= resp.StatusCode && resp.StatusCode < 300) {
		defer resp.Body.Close()
		apiErr := &Error{StatusCode: resp.StatusCode}
		if wait, ok := parseRetryAfter(resp.Header); ok {
			apiErr.RetryAfter = wait
		}
		typeHeader := resp.Header.Get(contentTypeHeaderName)
		if ct, _, err := mime.ParseMediaType(typeHeader); err != nil || ct != jsonMediaType {
			apiErr.Message = resp.Status
			return nil, fmt.Errorf("%s: %w", errURL, apiErr)
		}
		const maxErrorSize = 1 << 20 // 1 MiB
		body, err := readBody(resp, maxErrorSize)
		if err != nil {
			apiErr.Message = resp.Status
			return nil, fmt.Errorf("%s: %w", errURL, apiErr)
		}
		var parsedError struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := unmarshalJSON(body, &parsedError); err != nil {
			apiErr.Message = resp.Status
			return nil, fmt.Errorf("%s: %w", errURL, apiErr)
		}
		apiErr.Code = parsedError.Code
		apiErr.Message = parsedError.Message
		return nil, fmt.Errorf("%s: %w", errURL, apiErr)
	}
	return resp, nil
}

// NextID requests a single new ID from the server.
func (c *Client) NextID(ctx context.Context) (snowflake.ID, error) {
	ids, err := c.nextIDs(ctx, 1)
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	if len(ids) != 1 {
		return 0, fmt.Errorf("next id: server returned %d ids", len(ids))
	}
	return ids[0], nil
}

// NextIDs requests n new IDs from the server.
// The IDs are returned in the order the server generated them.
func (c *Client) NextIDs(ctx context.Context, n int) ([]snowflake.ID, error) {
	ids, err := c.nextIDs(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("next %d ids: %w", n, err)
	}
	if len(ids) != n {
		return nil, fmt.Errorf("next %d ids: server returned %d ids", n, len(ids))
	}
	return ids, nil
}

func (c *Client) nextIDs(ctx context.Context, n int) ([]snowflake.ID, error) {
	reqBody, err := json.Marshal(&IDsRequest{Count: n})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, &apiRequest{
		method:   http.MethodPost,
		route:    "/ids",
		jsonData: reqBody,
	})
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp, maxResponseSize)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	var parsed IDsResponse
	if err := unmarshalJSON(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.IDs, nil
}

// Decode asks the server to break an ID into its fields.
func (c *Client) Decode(ctx context.Context, id snowflake.ID) (*IDInfo, error) {
	resp, err := c.do(ctx, &apiRequest{
		method:   http.MethodGet,
		route:    "/ids/{id}",
		pathVars: map[string]string{"id": id.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("decode id %v: %w", id, err)
	}
	body, err := readBody(resp, maxResponseSize)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("decode id %v: %v", id, err)
	}
	parsed := new(IDInfo)
	if err := unmarshalJSON(body, parsed); err != nil {
		return nil, fmt.Errorf("decode id %v: %v", id, err)
	}
	return parsed, nil
}

// Producer returns information about the server's generator.
func (c *Client) Producer(ctx context.Context) (*ProducerInfo, error) {
	resp, err := c.do(ctx, &apiRequest{
		method: http.MethodGet,
		route:  "/producer",
	})
	if err != nil {
		return nil, fmt.Errorf("get producer info: %w", err)
	}
	body, err := readBody(resp, maxResponseSize)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("get producer info: %v", err)
	}
	parsed := new(ProducerInfo)
	if err := unmarshalJSON(body, parsed); err != nil {
		return nil, fmt.Errorf("get producer info: %v", err)
	}
	return parsed, nil
}

func readBody(resp *http.Response, maxSize int) ([]byte, error) {
	if resp.ContentLength > int64(maxSize) {
		return nil, fmt.Errorf("response body too large (%d bytes)", resp.ContentLength)
	}
	var b []byte
	if maxSize < 512 {
		b = make([]byte, 0, maxSize+1)
	} else {
		b = make([]byte, 0, 512)
	}
	for {
		if len(b) == cap(b) {
			// Add more capacity.
			newCap := int64(len(b)) * 2
			if newCap > int64(maxSize)+1 {
				newCap = int64(maxSize) + 1
			}
			b2 := make([]byte, len(b), newCap)
			copy(b2, b)
			b = b2
		}
		n, err := resp.Body.Read(b[len(b):cap(b)])
		b = b[:len(b)+n]
		if len(b) > maxSize {
			return b[:maxSize], fmt.Errorf("response body too large (stopped at %d bytes)", len(b))
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			return b, err
		}
	}
}

func unmarshalJSON(data []byte, value interface{}) error {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	return d.Decode(value)
}

func defaultBaseURL() *url.URL {
	return &url.URL{
		Scheme: "http",
		Host:   "localhost:8080",
		Path:   "/api/v1",
	}
}

var cachedModuleVersion struct {
	val string
	sync.Once
}

func moduleVersion() string {
	cachedModuleVersion.Do(func() {
		cachedModuleVersion.val = "development" // default
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		const wantPath = "zombiezen.com/go/snowflake"
		if info.Main.Path == wantPath {
			if info.Main.Version != "" {
				cachedModuleVersion.val = info.Main.Version
			}
			return
		}
		for _, mod := range info.Deps {
			if mod.Path == wantPath && mod.Version != "" {
				cachedModuleVersion.val = mod.Version
				return
			}
		}
	})
	return cachedModuleVersion.val
}
