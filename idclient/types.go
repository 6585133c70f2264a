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

package idclient

import (
	"fmt"
	"time"

	"zombiezen.com/go/snowflake"
)

// IDsRequest is the body of a request for new IDs.
type IDsRequest struct {
	Count int `json:"count,omitempty"`
}

// IDsResponse is the body of a response carrying new IDs.
type IDsResponse struct {
	IDs []snowflake.ID `json:"ids"`
}

// IDInfo is the decoded form of an ID.
type IDInfo struct {
	ID         snowflake.ID `json:"id"`
	Timestamp  uint64       `json:"timestamp"`
	ProducerID uint16       `json:"producer_id"`
	Sequence   uint16       `json:"sequence"`
	Time       time.Time    `json:"time"`
}

// ProducerInfo describes the generator behind a server.
type ProducerInfo struct {
	ProducerID uint16    `json:"producer_id"`
	Epoch      time.Time `json:"epoch"`
}

// Error codes reported by an ID server.
const (
	CodeClockRegression   = 20001
	CodeGeneratorState    = 20002
	CodeTimestampOverflow = 20003
	CodeUnauthorized      = 40001
	CodeInvalidRequest    = 50035
)

// Error is an error reported by an ID server.
type Error struct {
	// StatusCode is the HTTP status code of the response.
	// It is zero for errors received over a Stream.
	StatusCode int
	// Code is the server's error code, one of the Code constants.
	Code    int
	Message string
	// RetryAfter is the server's estimate of when the request can succeed.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("snowflake server error code %d: %s", e.Code, e.Message)
}

// Is maps server error codes to the corresponding snowflake package errors,
// so errors.Is(err, snowflake.ErrClockRegression) works across the wire.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeClockRegression:
		return target == snowflake.ErrClockRegression
	case CodeGeneratorState:
		return target == snowflake.ErrGeneratorState
	case CodeTimestampOverflow:
		return target == snowflake.ErrTimestampOverflow
	default:
		return false
	}
}
