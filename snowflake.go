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

// Package snowflake generates and decodes Snowflake IDs:
// time-ordered 64-bit identifiers that can be minted
// by many producers without coordination.
// https://en.wikipedia.org/wiki/Snowflake_ID
//
// An ID is laid out most-significant bit first as
// a 42-bit millisecond timestamp,
// a 10-bit producer ID,
// and a 12-bit sequence number.
package snowflake

import (
	"fmt"
	"strconv"
	"time"
)

// Bit widths of the ID fields.
const (
	TimestampBits = 64 - ProducerBits - SequenceBits
	ProducerBits  = 10
	SequenceBits  = 12
)

// Maximum values of the ID fields.
const (
	MaxTimestamp = 1<<TimestampBits - 1
	MaxProducer  = 1<<ProducerBits - 1
	MaxSequence  = 1<<SequenceBits - 1
)

const (
	producerShift  = SequenceBits
	timestampShift = ProducerBits + SequenceBits
)

// ID is a Snowflake ID.
// IDs from one producer sort in the order they were generated.
type ID uint64

// New builds a Snowflake ID from the component parts.
// Only the least significant 42, 10, and 12 bits are used
// from the timestamp, producer, and sequence arguments, respectively.
func New(timestamp uint64, producer, sequence uint16) ID {
	return ID((timestamp&MaxTimestamp)<<timestampShift |
		(uint64(producer)&MaxProducer)<<producerShift |
		(uint64(sequence) & MaxSequence))
}

// Timestamp returns the 42-bit timestamp value of the ID.
// This is the number of milliseconds since the generator's epoch.
func (id ID) Timestamp() uint64 {
	return uint64(id>>timestampShift) & MaxTimestamp
}

// Producer returns the 10-bit producer ID.
func (id ID) Producer() uint16 {
	return uint16(id>>producerShift) & MaxProducer
}

// Sequence returns the 12-bit sequence number.
func (id ID) Sequence() uint16 {
	return uint16(id) & MaxSequence
}

// Time returns the wall time encoded in the ID,
// given the epoch of the generator that produced it.
func (id ID) Time(epoch time.Time) time.Time {
	return epoch.Add(time.Duration(id.Timestamp()) * time.Millisecond)
}

// String returns the ID in decimal.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses a decimal ID, as returned by ID.String.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse snowflake id %q: %w", s, err)
	}
	return ID(n), nil
}

// MarshalText formats the ID in decimal.
// IDs are encoded as JSON strings so that consumers
// without 64-bit integers do not lose precision.
func (id ID) MarshalText() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(id), 10), nil
}

// UnmarshalText parses a decimal ID.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
