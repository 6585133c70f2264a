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

// Package idserver serves Snowflake IDs from a generator
// over HTTP and websockets.
package idserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"zombiezen.com/go/log"
	"zombiezen.com/go/snowflake"
	"zombiezen.com/go/snowflake/idclient"
)

// DefaultMaxBatch is the largest number of IDs
// returned by a single request if ServerOptions.MaxBatch is zero.
const DefaultMaxBatch = 4096

// DefaultHeartbeatInterval is the stream heartbeat interval
// used if ServerOptions.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 45 * time.Second

// HTTP headers
const (
	authorizationHeaderName = "Authorization"
	contentLengthHeaderName = "Content-Length"
	contentTypeHeaderName   = "Content-Type"
	retryAfterHeaderName    = "Retry-After"
	retryAfterMSHeaderName  = "X-Snowflake-Retry-After-Ms"
)

const (
	jsonMediaType   = "application/json"
	jsonContentType = "application/json; charset=utf-8"
)

func tracer() trace.Tracer {
	return otel.Tracer("zombiezen.com/go/snowflake/idserver")
}

// A Server hands out IDs from a single generator.
// It implements http.Handler and serves the API at the path "/api"
// and the stream websocket at "/stream".
// It is safe to call Server's methods from multiple goroutines.
type Server struct {
	gen               *snowflake.Generator
	tokens            []string
	maxBatch          int
	heartbeatInterval time.Duration
	router            *mux.Router

	mu      sync.Mutex
	logger  log.Logger
	streams map[*stream]struct{}
}

// ServerOptions holds optional parameters for NewServer.
type ServerOptions struct {
	// Tokens is the set of bearer tokens accepted by the server.
	// If empty, requests do not need to be authenticated.
	Tokens []string

	// MaxBatch is the largest number of IDs a single request may ask for.
	// Zero means DefaultMaxBatch.
	MaxBatch int

	// HeartbeatInterval is the interval that stream clients
	// are asked to send heartbeats at. Zero means DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// NewServer returns a new server that generates IDs with gen.
// opts may be nil.
func NewServer(gen *snowflake.Generator, opts *ServerOptions) *Server {
	srv := &Server{
		gen:               gen,
		maxBatch:          DefaultMaxBatch,
		heartbeatInterval: DefaultHeartbeatInterval,
		logger:            log.Discard,
		streams:           make(map[*stream]struct{}),
	}
	if opts != nil {
		srv.tokens = append([]string(nil), opts.Tokens...)
		if opts.MaxBatch > 0 {
			srv.maxBatch = opts.MaxBatch
		}
		if opts.HeartbeatInterval > 0 {
			srv.heartbeatInterval = opts.HeartbeatInterval
		}
	}
	srv.router = mux.NewRouter()
	srv.fillRoutes(srv.router.PathPrefix("/api").Subrouter())
	srv.fillRoutes(srv.router.PathPrefix("/api/{version:v[0-9]+}").Subrouter())
	srv.router.HandleFunc("/stream", srv.handleStreamWebsocket)
	return srv
}

// SetLogger sets the log that the server writes events to.
// The default is to discard logs.
func (srv *Server) SetLogger(logger log.Logger) {
	if logger == nil {
		logger = log.Discard
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.logger = logger
}

func (srv *Server) log(ctx context.Context, level log.Level, format string, args ...interface{}) {
	srv.mu.Lock()
	logger := srv.logger
	srv.mu.Unlock()
	log.Logf(ctx, logger, level, format, args...)
}

func (srv *Server) fillRoutes(r *mux.Router) {
	r.Handle("/ids", handlers.MethodHandler{
		http.MethodPost: apiHandlerFunc(srv.nextIDs),
	})
	r.Handle("/ids/{id}", handlers.MethodHandler{
		http.MethodGet: apiHandlerFunc(srv.decodeID),
	})
	r.Handle("/producer", handlers.MethodHandler{
		http.MethodGet: apiHandlerFunc(srv.producerInfo),
	})
	r.Handle("/stream", handlers.MethodHandler{
		http.MethodGet: apiHandlerFunc(srv.getStream),
	})
}

// ServeHTTP serves an API request.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.router.ServeHTTP(w, r)
}

// ActiveStreams returns the number of connected stream websockets.
func (srv *Server) ActiveStreams() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.streams)
}

func (srv *Server) nextIDs(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	if !srv.authorized(idclient.AuthHeader(r.header.Get(authorizationHeaderName)).Token()) {
		return nil, errUnauthorized
	}
	var requestData idclient.IDsRequest
	if len(r.body) > 0 {
		if err := json.Unmarshal(r.body, &requestData); err != nil {
			return nil, &apiError{
				code:           idclient.CodeInvalidRequest,
				err:            err,
				httpStatusCode: http.StatusBadRequest,
			}
		}
	}
	ids, err := srv.generate(requestData.Count)
	if err != nil {
		srv.log(ctx, log.Warn, "Generate %d ids: %v", requestData.Count, err)
		return nil, err
	}
	return newResponse(http.StatusOK, &idclient.IDsResponse{IDs: ids})
}

// generate returns n new IDs, or none if any of them fails.
// n == 0 is treated as 1.
func (srv *Server) generate(n int) ([]snowflake.ID, error) {
	if n == 0 {
		n = 1
	}
	if n < 0 || n > srv.maxBatch {
		return nil, &apiError{
			code:           idclient.CodeInvalidRequest,
			err:            fmt.Errorf("count must be between 1 and %d (got %d)", srv.maxBatch, n),
			httpStatusCode: http.StatusBadRequest,
		}
	}
	ids := make([]snowflake.ID, 0, n)
	for len(ids) < n {
		id, err := srv.gen.NextID()
		if err != nil {
			return nil, generatorError(err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (srv *Server) decodeID(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	if !srv.authorized(idclient.AuthHeader(r.header.Get(authorizationHeaderName)).Token()) {
		return nil, errUnauthorized
	}
	id, err := snowflake.ParseID(r.pathVars["id"])
	if err != nil {
		return nil, &apiError{
			code:           idclient.CodeInvalidRequest,
			err:            err,
			httpStatusCode: http.StatusBadRequest,
		}
	}
	return newResponse(http.StatusOK, &idclient.IDInfo{
		ID:         id,
		Timestamp:  id.Timestamp(),
		ProducerID: id.Producer(),
		Sequence:   id.Sequence(),
		Time:       id.Time(srv.gen.Epoch()).UTC(),
	})
}

func (srv *Server) producerInfo(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	if !srv.authorized(idclient.AuthHeader(r.header.Get(authorizationHeaderName)).Token()) {
		return nil, errUnauthorized
	}
	return newResponse(http.StatusOK, &idclient.ProducerInfo{
		ProducerID: srv.gen.Producer(),
		Epoch:      srv.gen.Epoch().UTC(),
	})
}

func (srv *Server) getStream(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	return newResponse(http.StatusOK, map[string]interface{}{
		"url": (&url.URL{
			Scheme: "ws",
			Host:   r.host,
			Path:   "/stream",
		}).String(),
	})
}

// authorized reports whether token is acceptable.
func (srv *Server) authorized(token string) bool {
	if len(srv.tokens) == 0 {
		return true
	}
	ok := false
	for _, want := range srv.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			ok = true
		}
	}
	return ok
}

// generatorError converts an error from snowflake.Generator.NextID
// into an error with an HTTP status and error code.
func generatorError(err error) error {
	var regression *snowflake.ClockRegressionError
	switch {
	case errors.As(err, &regression):
		return &apiError{
			code:           idclient.CodeClockRegression,
			err:            err,
			httpStatusCode: http.StatusServiceUnavailable,
			retryAfter:     regression.RetryAfter(),
		}
	case errors.Is(err, snowflake.ErrGeneratorState):
		return &apiError{
			code:           idclient.CodeGeneratorState,
			err:            err,
			httpStatusCode: http.StatusInternalServerError,
		}
	case errors.Is(err, snowflake.ErrTimestampOverflow):
		return &apiError{
			code:           idclient.CodeTimestampOverflow,
			err:            err,
			httpStatusCode: http.StatusInternalServerError,
		}
	default:
		return err
	}
}
