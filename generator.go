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
	"fmt"
	"runtime"
	"sync"
	"time"
)

// A Clock reports the current wall time.
type Clock interface {
	Now() time.Time
}

// ClockFunc is a function that implements Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock is the Clock backed by time.Now.
var SystemClock Clock = ClockFunc(time.Now)

// GeneratorOptions holds optional parameters for NewGenerator.
type GeneratorOptions struct {
	// Epoch is the instant that timestamps are measured from.
	// If zero, the Unix epoch is used.
	Epoch time.Time

	// Clock is the source of wall time. If nil, SystemClock is used.
	Clock Clock
}

// A Generator generates unique IDs for a single producer.
// It is safe to call NextID from multiple goroutines.
type Generator struct {
	producer uint16
	epoch    time.Time
	epochMS  int64
	clock    Clock

	mu       sync.Mutex
	lastTime int64 // milliseconds since epoch of the last emitted ID
	seq      uint16
	broken   bool // set if a call panicked while holding mu
}

// NewGenerator returns a new generator for the given producer ID.
// opts may be nil. NewGenerator returns an error wrapping ErrInvalidConfig
// if producer is greater than MaxProducer
// or if the clock reads earlier than the epoch.
func NewGenerator(producer uint16, opts *GeneratorOptions) (*Generator, error) {
	if producer > MaxProducer {
		return nil, fmt.Errorf("new snowflake generator: producer %d out of range [0, %d]: %w", producer, MaxProducer, ErrInvalidConfig)
	}
	gen := &Generator{
		producer: producer,
		epoch:    time.Unix(0, 0),
		clock:    SystemClock,
	}
	if opts != nil {
		if !opts.Epoch.IsZero() {
			gen.epoch = opts.Epoch
		}
		if opts.Clock != nil {
			gen.clock = opts.Clock
		}
	}
	gen.epochMS = unixMilli(gen.epoch)
	now := gen.now()
	if now < 0 {
		return nil, fmt.Errorf("new snowflake generator: clock reads %v, before epoch %v: %w",
			gen.clock.Now().UTC(), gen.epoch.UTC(), ErrInvalidConfig)
	}
	gen.lastTime = now
	return gen, nil
}

// Producer returns the generator's producer ID.
func (gen *Generator) Producer() uint16 {
	return gen.producer
}

// Epoch returns the instant that the generator's timestamps are measured from.
func (gen *Generator) Epoch() time.Time {
	return gen.epoch
}

// NextID returns an ID that is distinct from every other ID
// this generator has returned.
// IDs returned by calls that complete one after another are non-decreasing.
//
// If the 4096 sequence numbers of the current millisecond are used up,
// NextID spins until the clock advances.
// If the clock reads earlier than the last emitted ID,
// NextID returns a *ClockRegressionError and the generator is unchanged.
func (gen *Generator) NextID() (ID, error) {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.broken {
		return 0, ErrGeneratorState
	}
	gen.broken = true
	id, err := gen.lockedNext()
	gen.broken = false
	return id, err
}

func (gen *Generator) lockedNext() (ID, error) {
	now := gen.now()
	if now < gen.lastTime {
		return 0, &ClockRegressionError{Last: uint64(gen.lastTime), Now: now}
	}
	seq := uint16(0)
	if now == gen.lastTime {
		seq = gen.seq + 1
		if seq > MaxSequence {
			now = gen.waitPast(gen.lastTime)
			seq = 0
		}
	}
	if now > MaxTimestamp {
		return 0, fmt.Errorf("next snowflake id: %d ms since %v: %w", now, gen.epoch.UTC(), ErrTimestampOverflow)
	}
	gen.lastTime = now
	gen.seq = seq
	return New(uint64(now), gen.producer, seq), nil
}

// waitPast polls the clock until it reads later than ts
// and returns that reading.
func (gen *Generator) waitPast(ts int64) int64 {
	for {
		if now := gen.now(); now > ts {
			return now
		}
		runtime.Gosched()
	}
}

// now returns the clock reading in milliseconds since the epoch.
func (gen *Generator) now() int64 {
	return unixMilli(gen.clock.Now()) - gen.epochMS
}
