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
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/snowflake"
)

// StreamProtocolVersion is the value of the "v" query parameter
// sent when opening a stream.
const StreamProtocolVersion = "1"

// Stream payload opcodes.
const (
	StreamDispatchOpcode       = 0
	StreamHeartbeatOpcode      = 1
	StreamIdentifyOpcode       = 2
	StreamRequestOpcode        = 3
	StreamInvalidSessionOpcode = 9
	StreamHelloOpcode          = 10
	StreamHeartbeatACKOpcode   = 11
)

// Dispatch event names.
const (
	StreamReadyEvent = "READY"
	StreamIDsEvent   = "IDS"
	StreamErrorEvent = "ERROR"
)

// StreamPayload is a single message sent over a stream websocket.
type StreamPayload struct {
	OpCode         int             `json:"op"`
	Data           json.RawMessage `json:"d"`
	SequenceNumber int64           `json:"s,omitempty"`
	EventName      string          `json:"t,omitempty"`
}

// StreamHello is the data of the first payload a server sends.
type StreamHello struct {
	HeartbeatMillis int    `json:"heartbeat_interval"`
	ProducerID      uint16 `json:"producer_id"`
}

// StreamReady is the data of a READY event.
type StreamReady struct {
	SessionID  string `json:"session_id"`
	ProducerID uint16 `json:"producer_id"`
}

// StreamError is the data of an ERROR event.
type StreamError struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// Stream is a long-lived websocket connection to an ID server
// that avoids a round of HTTP for every batch of IDs.
// Methods on Stream must not be called concurrently.
type Stream struct {
	url       url.URL
	token     string
	userAgent string

	conn              *websocket.Conn
	heartbeat         *time.Ticker
	heartbeatInterval time.Duration
	pendingAck        bool // whether the server has acknowledged the last heartbeat

	sessionID     string
	producer      uint16
	requestNumber int64

	// Diagnostics callbacks
	errFunc            func(context.Context, error)
	connectAttemptFunc func(context.Context)
	connectSuccessFunc func(context.Context)
}

// OpenStream discovers the stream URL and returns a new Stream.
// The connection is established lazily.
// The caller is responsible for calling Close on the returned Stream.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	resp, err := c.do(ctx, &apiRequest{
		method: http.MethodGet,
		route:  "/stream",
	})
	if err != nil {
		return nil, fmt.Errorf("find stream URL: %w", err)
	}
	defer resp.Body.Close()
	contentTypeHeader := resp.Header.Get(contentTypeHeaderName)
	if ct, _, err := mime.ParseMediaType(contentTypeHeader); err != nil || ct != jsonMediaType {
		return nil, fmt.Errorf("find stream URL: response is %q instead of JSON", contentTypeHeader)
	}
	data, err := readBody(resp, maxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("find stream URL: %v", err)
	}
	var parsed struct {
		RawURL string `json:"url"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("find stream URL: %v", err)
	}
	u, err := url.Parse(parsed.RawURL)
	if err != nil {
		return nil, fmt.Errorf("find stream URL: %v", err)
	}
	q := u.Query()
	q.Set("v", StreamProtocolVersion)
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	s := &Stream{
		url:       *u,
		token:     c.auth.Token(),
		userAgent: c.userAgent,
	}
	s.SetErrorFunc(nil)
	s.SetConnectFuncs(nil, nil)
	return s, nil
}

// URL returns the stream's URL.
func (s *Stream) URL() *url.URL {
	return &s.url
}

// SessionID returns the identifier the server assigned
// to the current connection, or the empty string if not connected.
func (s *Stream) SessionID() string {
	return s.sessionID
}

// Producer returns the producer ID of the server's generator.
// It is only valid after WaitForReady returns successfully.
func (s *Stream) Producer() uint16 {
	return s.producer
}

// SetErrorFunc sets a callback that is called
// when a non-critical error occurs on the stream.
func (s *Stream) SetErrorFunc(f func(ctx context.Context, err error)) {
	if f == nil {
		s.errFunc = func(context.Context, error) {}
	} else {
		s.errFunc = f
	}
}

// SetConnectFuncs sets callbacks that are called
// when a websocket connection is about to be opened
// or after it has successfully been established.
func (s *Stream) SetConnectFuncs(start, success func(ctx context.Context)) {
	if start == nil {
		s.connectAttemptFunc = func(context.Context) {}
	} else {
		s.connectAttemptFunc = start
	}
	if success == nil {
		s.connectSuccessFunc = func(context.Context) {}
	} else {
		s.connectSuccessFunc = success
	}
}

// WaitForReady waits for the stream connection to be ready.
func (s *Stream) WaitForReady(ctx context.Context) error {
	if err := s.ensureConn(ctx); err != nil {
		return fmt.Errorf("waiting for snowflake stream: %v", err)
	}
	return nil
}

// Next requests n IDs over the stream.
//
// Next reconnects if the connection is lost,
// so it only returns an error if the Context is Done
// or the server reports an error generating IDs.
func (s *Stream) Next(ctx context.Context, n int) ([]snowflake.ID, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("next %d ids from stream: %w", n, ctx.Err())
		default:
		}
		if err := s.ensureConn(ctx); err != nil {
			return nil, fmt.Errorf("next %d ids from stream: %w", n, err)
		}
		s.requestNumber++
		reqNum := s.requestNumber
		if err := s.write(ctx, StreamRequestOpcode, reqNum, &IDsRequest{Count: n}); err != nil {
			s.errFunc(ctx, fmt.Errorf("snowflake stream: %w", err))
			if err := s.closeWithCode(websocket.CloseAbnormalClosure, "write failed"); err != nil {
				debugf("Disconnect websocket: %v", err)
			}
			continue
		}
		msg, err := s.next(ctx)
		if err != nil {
			s.errFunc(ctx, fmt.Errorf("snowflake stream: %w", err))
			if err := s.closeWithCode(websocket.CloseProtocolError, "invalid sequence"); err != nil {
				debugf("Disconnect websocket: %v", err)
			}
			continue
		}
		switch {
		case msg.OpCode == StreamDispatchOpcode && msg.EventName == StreamIDsEvent && msg.SequenceNumber == reqNum:
			var parsed IDsResponse
			if err := json.Unmarshal(msg.Data, &parsed); err != nil {
				return nil, fmt.Errorf("next %d ids from stream: %v", n, err)
			}
			if len(parsed.IDs) != n {
				return nil, fmt.Errorf("next %d ids from stream: server returned %d ids", n, len(parsed.IDs))
			}
			return parsed.IDs, nil
		case msg.OpCode == StreamDispatchOpcode && msg.EventName == StreamErrorEvent:
			var parsed StreamError
			if err := json.Unmarshal(msg.Data, &parsed); err != nil {
				return nil, fmt.Errorf("next %d ids from stream: %v", n, err)
			}
			return nil, fmt.Errorf("next %d ids from stream: %w", n, &Error{
				Code:       parsed.Code,
				Message:    parsed.Message,
				RetryAfter: time.Duration(parsed.RetryAfterMS) * time.Millisecond,
			})
		case msg.OpCode == StreamInvalidSessionOpcode:
			debugf("Stream session invalidated; reconnecting")
			if err := s.closeWithCode(websocket.CloseAbnormalClosure, "reconnecting"); err != nil {
				debugf("Disconnect websocket: %v", err)
			}
		default:
			s.errFunc(ctx, fmt.Errorf("snowflake stream: unexpected payload op=%d t=%q s=%d", msg.OpCode, msg.EventName, msg.SequenceNumber))
			if err := s.closeWithCode(websocket.CloseProtocolError, "invalid sequence"); err != nil {
				debugf("Disconnect websocket: %v", err)
			}
		}
	}
}

// next waits for the next non-heartbeat payload on the current connection.
func (s *Stream) next(ctx context.Context) (*StreamPayload, error) {
	acks := make(chan struct{})
	serverHeartbeats := make(chan struct{})
	payloadReceived := errors.New("payload received")

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		for {
			select {
			case <-s.heartbeat.C:
				if s.pendingAck {
					return fmt.Errorf("did not receive heartbeat from server")
				}
				if err := s.write(ctx, StreamHeartbeatOpcode, 0, nil); err != nil {
					return fmt.Errorf("send heartbeat: %w", err)
				}
				debugf("Sent heartbeat to stream")
				s.pendingAck = true
			case <-serverHeartbeats:
				if err := s.write(ctx, StreamHeartbeatOpcode, 0, nil); err != nil {
					return fmt.Errorf("send heartbeat: %w", err)
				}
				debugf("Sent heartbeat to stream")
				s.pendingAck = true
				s.heartbeat.Reset(s.heartbeatInterval)
			case <-acks:
				debugf("Received heartbeat ACK from stream")
				s.pendingAck = false
			case <-ctx.Done():
				return nil
			}
		}
	})
	var msg *StreamPayload
	grp.Go(func() error {
		for {
			var err error
			msg, err = s.read(ctx)
			if err != nil {
				return err
			}
			switch msg.OpCode {
			case StreamHeartbeatOpcode:
				select {
				case serverHeartbeats <- struct{}{}:
				case <-ctx.Done():
					return ctx.Err()
				}
			case StreamHeartbeatACKOpcode:
				select {
				case acks <- struct{}{}:
				case <-ctx.Done():
					return ctx.Err()
				}
			default:
				// Ending this goroutine should stop the heartbeat, so we use a
				// non-nil error.
				return payloadReceived
			}
		}
	})
	if err := grp.Wait(); err != payloadReceived {
		return nil, err
	}
	return msg, nil
}

// Close releases any resources associated with the stream connection.
func (s *Stream) Close() error {
	return s.closeWithCode(websocket.CloseGoingAway, "client disconnect")
}

func (s *Stream) closeWithCode(code int, text string) error {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	s.sessionID = ""
	if s.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, text)
	err1 := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(10*time.Second))
	err2 := s.conn.Close()
	s.conn = nil
	if err1 != nil {
		return fmt.Errorf("close stream: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("close stream: %w", err2)
	}
	return nil
}

func (s *Stream) ensureConn(ctx context.Context) error {
	const retryInterval = 1 * time.Second
	var t *time.Timer
	for {
		err := s.connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, errStreamRejected) {
			return err
		}
		s.errFunc(ctx, fmt.Errorf("connect to snowflake stream (will retry in %v): %v", retryInterval, err))
		if t == nil {
			t = time.NewTimer(retryInterval)
			defer t.Stop()
		} else {
			t.Reset(retryInterval)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return err
		}
	}
}

var errStreamRejected = errors.New("server rejected stream credentials")

func (s *Stream) connect(ctx context.Context) (err error) {
	if s.conn != nil {
		return nil
	}

	s.connectAttemptFunc(ctx)
	var resp *http.Response
	s.pendingAck = false
	s.conn, resp, err = new(websocket.Dialer).DialContext(ctx, s.url.String(), http.Header{
		userAgentHeaderName: {s.userAgent},
	})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to snowflake stream: http %s", resp.Status)
		}
		return fmt.Errorf("connect to snowflake stream: %v", err)
	}
	defer func() {
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			closeErr := s.conn.Close()
			s.conn = nil
			if closeErr != nil {
				s.errFunc(ctx, fmt.Errorf("closing snowflake stream connection: %v", closeErr))
			}
		}
	}()

	debugf("Started stream websocket; reading hello...")
	hello, err := s.read(ctx)
	if err != nil {
		return fmt.Errorf("connect to snowflake stream: hello: %v", err)
	}
	if hello.OpCode != StreamHelloOpcode {
		return fmt.Errorf(
			"connect to snowflake stream: hello: unexpected opcode %d (want %d)",
			hello.OpCode, StreamHelloOpcode,
		)
	}
	var helloData StreamHello
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		return fmt.Errorf("connect to snowflake stream: hello: %v", err)
	}
	if helloData.HeartbeatMillis <= 0 {
		return fmt.Errorf("connect to snowflake stream: hello: invalid heartbeat interval %d", helloData.HeartbeatMillis)
	}
	s.heartbeatInterval = time.Duration(helloData.HeartbeatMillis) * time.Millisecond
	debugf("Stream heartbeat is %v", s.heartbeatInterval)
	s.heartbeat = time.NewTicker(s.heartbeatInterval)
	defer func() {
		if err != nil {
			s.heartbeat.Stop()
			s.heartbeat = nil
		}
	}()

	err = s.write(ctx, StreamIdentifyOpcode, 0, map[string]interface{}{
		"token": s.token,
	})
	if err != nil {
		return fmt.Errorf("connect to snowflake stream: identify: %v", err)
	}
	msg, err := s.next(ctx)
	if err != nil {
		return fmt.Errorf("connect to snowflake stream: identify response: %v", err)
	}
	if msg.OpCode == StreamInvalidSessionOpcode {
		return fmt.Errorf("connect to snowflake stream: %w", errStreamRejected)
	}
	if msg.OpCode != StreamDispatchOpcode {
		return fmt.Errorf(
			"connect to snowflake stream: identify response: unexpected opcode %d (want %d)",
			msg.OpCode, StreamDispatchOpcode,
		)
	}
	if msg.EventName != StreamReadyEvent {
		return fmt.Errorf("connect to snowflake stream: identify response: unexpected event %q", msg.EventName)
	}
	var ready StreamReady
	if err := json.Unmarshal(msg.Data, &ready); err != nil {
		return fmt.Errorf("connect to snowflake stream: identify response: %v", err)
	}
	s.sessionID = ready.SessionID
	s.producer = ready.ProducerID
	s.connectSuccessFunc(ctx)
	return nil
}

func (s *Stream) read(ctx context.Context) (*StreamPayload, error) {
	var msg []byte
	if ctxDone := ctx.Done(); ctxDone == nil {
		var err error
		_, msg, err = s.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read stream payload: %v", err)
		}
	} else {
		select {
		case <-ctxDone:
			return nil, fmt.Errorf("read stream payload: %v", ctx.Err())
		default:
		}
		read := make(chan struct{})
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			select {
			case <-read:
			case <-ctxDone:
				s.conn.SetReadDeadline(time.Now())
			}
		}()
		var err error
		_, msg, err = s.conn.ReadMessage()
		close(read)
		<-watchDone
		if err != nil {
			return nil, fmt.Errorf("read stream payload: %v", err)
		}
	}
	payload := new(StreamPayload)
	if err := json.Unmarshal(msg, payload); err != nil {
		return nil, fmt.Errorf("read stream payload: %v", err)
	}
	return payload, nil
}

func (s *Stream) write(ctx context.Context, opCode int, seq int64, data interface{}) error {
	payload := &StreamPayload{
		OpCode:         opCode,
		SequenceNumber: seq,
	}
	var err error
	payload.Data, err = json.Marshal(data)
	if err != nil {
		return fmt.Errorf("send stream payload: %v", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("send stream payload: %v", err)
	}

	ctxDone := ctx.Done()
	if ctxDone == nil {
		if err := s.conn.WriteMessage(websocket.TextMessage, payloadJSON); err != nil {
			return fmt.Errorf("send stream payload: %v", err)
		}
		return nil
	}
	select {
	case <-ctxDone:
		return fmt.Errorf("send stream payload: %v", ctx.Err())
	default:
	}
	written := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-written:
		case <-ctxDone:
			// XXX This is racy because WriteMessage will unconditionally call SetWriteDeadline.
			s.conn.UnderlyingConn().SetWriteDeadline(time.Now())
		}
	}()
	err = s.conn.WriteMessage(websocket.TextMessage, payloadJSON)
	close(written)
	<-watchDone
	if err != nil {
		return fmt.Errorf("send stream payload: %v", err)
	}
	return nil
}

func debugf(format string, args ...interface{}) {}
