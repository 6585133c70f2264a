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
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestNewGenerator(t *testing.T) {
	tests := []struct {
		producer uint16
		ok       bool
	}{
		{producer: 0, ok: true},
		{producer: 7, ok: true},
		{producer: MaxProducer, ok: true},
		{producer: MaxProducer + 1, ok: false},
		{producer: 0xffff, ok: false},
	}
	for _, test := range tests {
		gen, err := NewGenerator(test.producer, nil)
		if test.ok {
			if err != nil {
				t.Errorf("NewGenerator(%d, nil): %v", test.producer, err)
				continue
			}
			if got := gen.Producer(); got != test.producer {
				t.Errorf("NewGenerator(%d, nil).Producer() = %d", test.producer, got)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("NewGenerator(%d, nil) error = %v; want %v", test.producer, err, ErrInvalidConfig)
		}
	}
}

func TestNewGeneratorBeforeEpoch(t *testing.T) {
	clock := newFakeClock(testEpoch.Add(-time.Second))
	_, err := NewGenerator(1, &GeneratorOptions{Epoch: testEpoch, Clock: clock})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewGenerator with clock before epoch error = %v; want %v", err, ErrInvalidConfig)
	}
}

func TestGeneratorDefaultEpoch(t *testing.T) {
	now := time.Date(2023, time.November, 14, 22, 13, 20, 0, time.UTC)
	gen, err := NewGenerator(3, &GeneratorOptions{Clock: newFakeClock(now)})
	if err != nil {
		t.Fatal(err)
	}
	if got := gen.Epoch(); !got.Equal(time.Unix(0, 0)) {
		t.Errorf("Epoch() = %v; want Unix epoch", got)
	}
	id, err := gen.NextID()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := id.Timestamp(), uint64(1700000000000); got != want {
		t.Errorf("Timestamp() = %d; want %d", got, want)
	}
}

func TestGeneratorNextID(t *testing.T) {
	clock := newFakeClock(testEpoch.Add(time.Hour))
	gen, err := NewGenerator(0x2ab, &GeneratorOptions{Epoch: testEpoch, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("SameMillisecond", func(t *testing.T) {
		for want := uint16(1); want <= 3; want++ {
			id, err := gen.NextID()
			if err != nil {
				t.Fatal(err)
			}
			if got := id.Sequence(); got != want {
				t.Errorf("ID %v sequence = %d; want %d", id, got, want)
			}
			if got, want := id.Timestamp(), uint64(time.Hour/time.Millisecond); got != want {
				t.Errorf("ID %v timestamp = %d; want %d", id, got, want)
			}
			if got := id.Producer(); got != 0x2ab {
				t.Errorf("ID %v producer = %#x; want %#x", id, got, 0x2ab)
			}
		}
	})

	t.Run("NextMillisecond", func(t *testing.T) {
		clock.Advance(5 * time.Millisecond)
		id, err := gen.NextID()
		if err != nil {
			t.Fatal(err)
		}
		if got := id.Sequence(); got != 0 {
			t.Errorf("ID %v sequence = %d; want 0", id, got)
		}
		if got, want := id.Time(gen.Epoch()), clock.Now(); !got.Equal(want) {
			t.Errorf("ID %v time = %v; want %v", id, got, want)
		}
	})

	t.Run("SubMillisecondAdvance", func(t *testing.T) {
		clock.Advance(300 * time.Microsecond)
		id, err := gen.NextID()
		if err != nil {
			t.Fatal(err)
		}
		if got := id.Sequence(); got != 1 {
			t.Errorf("ID %v sequence = %d; want 1", id, got)
		}
	})
}

func TestGeneratorSequenceRollover(t *testing.T) {
	base := testEpoch.Add(10 * time.Second)
	reads := 0
	clock := ClockFunc(func() time.Time {
		reads++
		switch {
		case reads == 1:
			// NewGenerator
			return base.Add(-time.Millisecond)
		case reads <= MaxSequence+3:
			// 4097 calls to NextID
			return base
		default:
			// Spinning for the next millisecond
			return base.Add(time.Millisecond)
		}
	})
	gen, err := NewGenerator(9, &GeneratorOptions{Epoch: testEpoch, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	baseTimestamp := uint64(10 * time.Second / time.Millisecond)
	for i := 0; i <= MaxSequence; i++ {
		id, err := gen.NextID()
		if err != nil {
			t.Fatalf("NextID() #%d: %v", i, err)
		}
		if got, want := id.Sequence(), uint16(i); got != want {
			t.Fatalf("NextID() #%d sequence = %d; want %d", i, got, want)
		}
		if got := id.Timestamp(); got != baseTimestamp {
			t.Fatalf("NextID() #%d timestamp = %d; want %d", i, got, baseTimestamp)
		}
	}
	id, err := gen.NextID()
	if err != nil {
		t.Fatal(err)
	}
	if got := id.Sequence(); got != 0 {
		t.Errorf("NextID() after exhausting sequence: sequence = %d; want 0", got)
	}
	if got := id.Timestamp(); got <= baseTimestamp {
		t.Errorf("NextID() after exhausting sequence: timestamp = %d; want > %d", got, baseTimestamp)
	}
}

func TestGeneratorSequenceRolloverSpins(t *testing.T) {
	clock := newFakeClock(testEpoch.Add(time.Minute))
	gen, err := NewGenerator(1, &GeneratorOptions{Epoch: testEpoch, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < MaxSequence; i++ {
		if _, err := gen.NextID(); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan ID)
	go func() {
		id, err := gen.NextID()
		if err != nil {
			t.Error(err)
		}
		done <- id
	}()
	select {
	case id := <-done:
		t.Fatalf("NextID() = %v before clock advanced", id)
	case <-time.After(20 * time.Millisecond):
	}
	clock.Advance(time.Millisecond)
	select {
	case id := <-done:
		if id.Sequence() != 0 {
			t.Errorf("sequence = %d; want 0", id.Sequence())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("NextID did not return after clock advanced")
	}
}

func TestGeneratorClockRegression(t *testing.T) {
	start := testEpoch.Add(time.Hour)
	clock := newFakeClock(start)
	gen, err := NewGenerator(5, &GeneratorOptions{Epoch: testEpoch, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	first, err := gen.NextID()
	if err != nil {
		t.Fatal(err)
	}

	clock.Set(start.Add(-5 * time.Millisecond))
	id, err := gen.NextID()
	if err == nil {
		t.Fatalf("NextID() after clock regression = %v, <nil>; want error", id)
	}
	if !errors.Is(err, ErrClockRegression) {
		t.Errorf("NextID() error = %v; want %v", err, ErrClockRegression)
	}
	var regression *ClockRegressionError
	if !errors.As(err, &regression) {
		t.Fatalf("NextID() error = %#v; want *ClockRegressionError", err)
	}
	if got, want := regression.Last, first.Timestamp(); got != want {
		t.Errorf("regression.Last = %d; want %d", got, want)
	}
	if got, want := regression.Now, int64(first.Timestamp())-5; got != want {
		t.Errorf("regression.Now = %d; want %d", got, want)
	}
	if got, want := regression.RetryAfter(), 6*time.Millisecond; got != want {
		t.Errorf("regression.RetryAfter() = %v; want %v", got, want)
	}

	// State must be untouched by the failed call.
	clock.Set(start)
	next, err := gen.NextID()
	if err != nil {
		t.Fatal(err)
	}
	if want := New(first.Timestamp(), first.Producer(), first.Sequence()+1); next != want {
		t.Errorf("NextID() after clock recovered = %v; want %v", next, want)
	}
}

func TestGeneratorTimestampOverflow(t *testing.T) {
	clock := newFakeClock(testEpoch.Add((MaxTimestamp + 1) * time.Millisecond))
	gen, err := NewGenerator(1, &GeneratorOptions{Epoch: testEpoch, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	if id, err := gen.NextID(); !errors.Is(err, ErrTimestampOverflow) {
		t.Errorf("NextID() = %v, %v; want %v", id, err, ErrTimestampOverflow)
	}
}

func TestGeneratorBrokenAfterPanic(t *testing.T) {
	var panicking bool
	clock := ClockFunc(func() time.Time {
		if panicking {
			panic("clock failure")
		}
		return testEpoch.Add(time.Hour)
	})
	gen, err := NewGenerator(2, &GeneratorOptions{Epoch: testEpoch, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gen.NextID(); err != nil {
		t.Fatal(err)
	}

	panicking = true
	func() {
		defer func() {
			if recover() == nil {
				t.Error("NextID did not propagate clock panic")
			}
		}()
		gen.NextID()
	}()

	panicking = false
	if id, err := gen.NextID(); !errors.Is(err, ErrGeneratorState) {
		t.Errorf("NextID() after panic = %v, %v; want %v", id, err, ErrGeneratorState)
	}
}

func TestGeneratorSequential(t *testing.T) {
	gen, err := NewGenerator(99, nil)
	if err != nil {
		t.Fatal(err)
	}
	const n = 50000
	prev, err := gen.NextID()
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < n; i++ {
		id, err := gen.NextID()
		if err != nil {
			t.Fatal(err)
		}
		if id <= prev {
			t.Fatalf("ID[%d] = %v not greater than ID[%d] = %v", i, id, i-1, prev)
		}
		prev = id
	}
}

func TestGeneratorConcurrent(t *testing.T) {
	const (
		producer   = 42
		goroutines = 50
		perRoutine = 1000
	)
	gen, err := NewGenerator(producer, nil)
	if err != nil {
		t.Fatal(err)
	}
	results := make([][]ID, goroutines)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := make([]ID, 0, perRoutine)
			for j := 0; j < perRoutine; j++ {
				id, err := gen.NextID()
				if err != nil {
					t.Error(err)
					return
				}
				ids = append(ids, id)
			}
			results[i] = ids
		}(i)
	}
	wg.Wait()

	seen := make(map[ID]struct{}, goroutines*perRoutine)
	for i, ids := range results {
		for j, id := range ids {
			if j > 0 && id <= ids[j-1] {
				t.Errorf("goroutine %d: ID[%d] = %v not greater than ID[%d] = %v", i, j, id, j-1, ids[j-1])
			}
			if got := id.Producer(); got != producer {
				t.Errorf("goroutine %d: ID[%d] = %v has producer %d; want %d", i, j, id, got, producer)
			}
			seen[id] = struct{}{}
		}
	}
	if got, want := len(seen), goroutines*perRoutine; got != want {
		t.Errorf("generated %d distinct IDs; want %d", got, want)
	}
}

func TestGeneratorsDistinctProducers(t *testing.T) {
	clock := newFakeClock(testEpoch.Add(time.Hour))
	producers := []uint16{0, 1, 511, MaxProducer}
	seen := make(map[ID]uint16)
	for _, p := range producers {
		gen, err := NewGenerator(p, &GeneratorOptions{Epoch: testEpoch, Clock: clock})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 100; i++ {
			id, err := gen.NextID()
			if err != nil {
				t.Fatal(err)
			}
			if other, dup := seen[id]; dup {
				t.Fatalf("producers %d and %d both generated %v", other, p, id)
			}
			seen[id] = p
		}
	}
}

func BenchmarkGenerator(b *testing.B) {
	gen, err := NewGenerator(42, nil)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		gen.NextID()
	}
}

func BenchmarkGeneratorParallel(b *testing.B) {
	gen, err := NewGenerator(42, nil)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			gen.NextID()
		}
	})
}
