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

package snowflake

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is returned by NewGenerator
	// when the generator cannot be constructed with the given parameters.
	ErrInvalidConfig = errors.New("invalid snowflake generator configuration")

	// ErrClockRegression matches any *ClockRegressionError with errors.Is.
	ErrClockRegression = errors.New("clock moved backwards")

	// ErrGeneratorState is returned by a generator whose internal state
	// was left inconsistent by a panic during a previous call.
	// Such a generator cannot be reused; create a new one.
	ErrGeneratorState = errors.New("snowflake generator state is inconsistent")

	// ErrTimestampOverflow is returned when the clock has advanced
	// past what the timestamp field can represent.
	ErrTimestampOverflow = errors.New("timestamp does not fit in snowflake id")
)

// ClockRegressionError is returned by Generator.NextID
// when the clock reads earlier than the timestamp
// of the last ID the generator emitted.
type ClockRegressionError struct {
	// Last is the timestamp of the last emitted ID
	// in milliseconds since the generator's epoch.
	Last uint64
	// Now is the clock reading in milliseconds since the generator's epoch.
	// It is negative if the clock reads earlier than the epoch.
	Now int64
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("clock moved backwards: now=%d last=%d (%v behind)", e.Now, e.Last, e.RetryAfter())
}

// Is reports whether target is ErrClockRegression.
func (e *ClockRegressionError) Is(target error) bool {
	return target == ErrClockRegression
}

// RetryAfter returns the minimum time to wait before the clock
// can be expected to pass the last emitted timestamp.
func (e *ClockRegressionError) RetryAfter() time.Duration {
	return time.Duration(int64(e.Last)-e.Now+1) * time.Millisecond
}
