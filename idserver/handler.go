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

package idserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/semconv/v1.7.0"
	"go.opentelemetry.io/otel/trace"
	"zombiezen.com/go/snowflake/idclient"
)

const maxRequestSize = 64 << 10 // 64 KiB

type apiRequest struct {
	host     string
	pathVars map[string]string
	header   http.Header
	body     json.RawMessage
}

type apiResponse struct {
	statusCode int
	body       json.RawMessage
}

func newResponse(statusCode int, value interface{}) (*apiResponse, error) {
	resp := &apiResponse{statusCode: statusCode}
	var err error
	resp.body, err = json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (resp *apiResponse) writeTo(w http.ResponseWriter) {
	w.Header().Set(contentTypeHeaderName, jsonContentType)
	w.Header().Set(contentLengthHeaderName, strconv.Itoa(len(resp.body)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if resp.statusCode != 0 {
		w.WriteHeader(resp.statusCode)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	w.Write(resp.body)
}

// apiError is an error with an HTTP status and an application error code.
type apiError struct {
	err            error
	code           int
	httpStatusCode int
	retryAfter     time.Duration
}

func (e *apiError) Error() string {
	return e.err.Error()
}

func (e *apiError) Unwrap() error {
	return e.err
}

type apiHandlerFunc func(ctx context.Context, r *apiRequest) (*apiResponse, error)

func (h apiHandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	routeName := r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			routeName = tmpl
		}
	}
	ctx, span := tracer().Start(
		r.Context(),
		fmt.Sprintf("Snowflake %s %s", r.Method, routeName),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(semconv.HTTPServerAttributesFromHTTPRequest("snowflake", routeName, r)...),
	)
	defer span.End()

	areq := &apiRequest{
		host:     r.Host,
		pathVars: mux.Vars(r),
		header:   r.Header,
	}
	if r.ContentLength != 0 { // includes unknown length
		if err := readJSONRequest(r, &areq.body); err != nil {
			err = &apiError{
				httpStatusCode: http.StatusBadRequest,
				code:           idclient.CodeInvalidRequest,
				err:            fmt.Errorf("failed to read request body: %w", err),
			}
			endSpan(span, err, writeErrorResponse(w, err))
			return
		}
	}
	aresp, err := h(ctx, areq)
	if err != nil {
		endSpan(span, err, writeErrorResponse(w, err))
		return
	}
	aresp.writeTo(w)
	endSpan(span, nil, aresp.statusCode)
}

func endSpan(span trace.Span, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	span.SetAttributes(semconv.HTTPAttributesFromHTTPStatusCode(statusCode)...)
	if err != nil {
		span.RecordError(err)
	}
	if statusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(statusCode))
	}
}

func readJSONRequest(r *http.Request, dst interface{}) error {
	ctHeader := r.Header.Get(contentTypeHeaderName)
	if ct, _, err := mime.ParseMediaType(ctHeader); err != nil || ct != jsonMediaType {
		return fmt.Errorf(
			"read json request: %s = %s (want %s)",
			contentTypeHeaderName, ctHeader, jsonMediaType,
		)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		return fmt.Errorf("read json request: %v", err)
	}
	if len(body) > maxRequestSize {
		return fmt.Errorf("read json request: body larger than %d bytes", maxRequestSize)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("read json request: %v", err)
	}
	return nil
}

// writeErrorResponse writes err as a JSON error body
// and returns the HTTP status code used.
func writeErrorResponse(w http.ResponseWriter, err error) int {
	errorCode := 0
	httpStatusCode := http.StatusInternalServerError
	var retryAfter time.Duration
	if apiErr := (*apiError)(nil); errors.As(err, &apiErr) {
		errorCode = apiErr.code
		if apiErr.httpStatusCode != 0 {
			httpStatusCode = apiErr.httpStatusCode
		}
		retryAfter = apiErr.retryAfter
	}
	data, err := json.Marshal(map[string]interface{}{
		"code":    errorCode,
		"message": err.Error(),
	})
	if err != nil {
		data = []byte(`{"code": 0, "message": "<failed to marshal error>"}`)
	}
	if retryAfter > 0 {
		ms := retryAfter.Milliseconds()
		w.Header().Set(retryAfterHeaderName, strconv.FormatInt((ms+999)/1000, 10))
		w.Header().Set(retryAfterMSHeaderName, strconv.FormatInt(ms, 10))
	}
	w.Header().Set(contentTypeHeaderName, jsonContentType)
	w.Header().Set(contentLengthHeaderName, strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpStatusCode)
	w.Write(data)
	return httpStatusCode
}

var errUnauthorized error = &apiError{
	code:           idclient.CodeUnauthorized,
	err:            errors.New("invalid Authorization header"),
	httpStatusCode: http.StatusUnauthorized,
}
