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
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// parseRetryAfter reads the server's backoff hint.
// The millisecond header is preferred
// since clock regressions are usually shorter than a second.
func parseRetryAfter(h http.Header) (time.Duration, bool) {
	if n, err := strconv.ParseInt(h.Get(retryAfterMSHeaderName), 10, 64); err == nil && n >= 0 {
		return time.Duration(n) * time.Millisecond, true
	}
	retryAfter := h.Get(retryAfterHeaderName)
	if n, err := strconv.Atoi(retryAfter); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	if t, err := time.Parse(http.TimeFormat, retryAfter); err == nil {
		return time.Until(t), true
	}
	return 0, false
}

func (c *Client) recordBackoff(wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Use the local monotonic clock, since the server's wall clock
	// is exactly what is in question.
	if until := time.Now().Add(wait); until.After(c.backoffUntil) {
		c.backoffUntil = until
	}
}

func (c *Client) waitForBackoff(ctx context.Context) error {
	span := trace.SpanFromContext(ctx)
	c.mu.Lock()
	until := c.backoffUntil
	c.mu.Unlock()

	now := time.Now()
	if !now.Before(until) {
		return nil
	}
	waitTime := until.Sub(now)
	span.AddEvent(fmt.Sprintf("Backing off for %v", waitTime))
	t := time.NewTimer(waitTime)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		t.Stop()
		return fmt.Errorf("waiting for server clock: %w", ctx.Err())
	}
}
