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
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
	"zombiezen.com/go/snowflake/idclient"
)

var errStreamClosed = errors.New("client closed stream")

// stream is a single websocket connection.
// Its fields are only accessed by the connection's read loop.
type stream struct {
	sessionID string
}

func (srv *Server) handleStreamWebsocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	if query.Get("v") != idclient.StreamProtocolVersion {
		http.NotFound(w, r)
		return
	}
	if query.Get("encoding") != "json" {
		http.NotFound(w, r)
		return
	}

	conn, err := new(websocket.Upgrader).Upgrade(w, r, nil)
	if err != nil {
		srv.log(ctx, log.Error, "Stream websocket: %v", err)
		return
	}
	defer conn.Close()
	err = conn.WriteJSON(newStreamPayload(idclient.StreamHelloOpcode, 0, &idclient.StreamHello{
		HeartbeatMillis: int(srv.heartbeatInterval / time.Millisecond),
		ProducerID:      srv.gen.Producer(),
	}))
	if err != nil {
		srv.log(ctx, log.Error, "Stream websocket: %v", err)
		return
	}

	myStream := new(stream)
	srv.mu.Lock()
	srv.streams[myStream] = struct{}{}
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		delete(srv.streams, myStream)
	}()

	grp, ctx := errgroup.WithContext(ctx)
	outbound := make(chan *idclient.StreamPayload)
	send := func(msg *idclient.StreamPayload) error {
		select {
		case outbound <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	grp.Go(func() error {
		// Read loop.
		ctxDone := ctx.Done()
		for {
			select {
			case <-ctxDone:
				return fmt.Errorf("read stream payload: %v", ctx.Err())
			default:
			}
			read := make(chan struct{})
			watchDone := make(chan struct{})
			go func() {
				defer close(watchDone)
				select {
				case <-read:
				case <-ctxDone:
					conn.SetReadDeadline(time.Now())
				}
			}()
			_, packet, err := conn.ReadMessage()
			close(read)
			<-watchDone
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					return errStreamClosed
				}
				return fmt.Errorf("read stream payload: %v", err)
			}

			var payload idclient.StreamPayload
			if err := json.Unmarshal(packet, &payload); err != nil {
				return err
			}
			reply, err := srv.handleStreamPayload(ctx, myStream, &payload)
			if err != nil {
				return err
			}
			if err := send(reply); err != nil {
				return err
			}
		}
	})

	grp.Go(func() error {
		// Serialize message sending from other goroutines.
		for {
			select {
			case msg := <-outbound:
				data, err := json.Marshal(msg)
				if err != nil {
					return err
				}
				err = conn.WriteMessage(websocket.TextMessage, data)
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	if err := grp.Wait(); err != nil && !errors.Is(err, errStreamClosed) {
		srv.log(ctx, log.Warn, "Stream %s shutdown: %v", myStream.sessionID, err)
	}
}

// handleStreamPayload returns the reply to a single client payload.
func (srv *Server) handleStreamPayload(ctx context.Context, s *stream, payload *idclient.StreamPayload) (*idclient.StreamPayload, error) {
	switch payload.OpCode {
	case idclient.StreamHeartbeatOpcode:
		return &idclient.StreamPayload{OpCode: idclient.StreamHeartbeatACKOpcode}, nil
	case idclient.StreamIdentifyOpcode:
		var identify struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(payload.Data, &identify); err != nil {
			return nil, err
		}
		if !srv.authorized(identify.Token) {
			srv.log(ctx, log.Info, "Stream identify rejected")
			return newStreamPayload(idclient.StreamInvalidSessionOpcode, 0, false), nil
		}
		if s.sessionID == "" {
			s.sessionID = uuid.NewString()
			srv.log(ctx, log.Debug, "Stream %s ready", s.sessionID)
		}
		return newEventPayload(idclient.StreamReadyEvent, 0, &idclient.StreamReady{
			SessionID:  s.sessionID,
			ProducerID: srv.gen.Producer(),
		}), nil
	case idclient.StreamRequestOpcode:
		if s.sessionID == "" {
			return newStreamPayload(idclient.StreamInvalidSessionOpcode, 0, false), nil
		}
		var request idclient.IDsRequest
		if err := json.Unmarshal(payload.Data, &request); err != nil {
			return nil, err
		}
		ids, err := srv.generate(request.Count)
		if err != nil {
			srv.log(ctx, log.Warn, "Stream %s: generate %d ids: %v", s.sessionID, request.Count, err)
			return newEventPayload(idclient.StreamErrorEvent, payload.SequenceNumber, streamError(err)), nil
		}
		return newEventPayload(idclient.StreamIDsEvent, payload.SequenceNumber, &idclient.IDsResponse{IDs: ids}), nil
	default:
		return nil, fmt.Errorf("client sent unknown op-code %d", payload.OpCode)
	}
}

func streamError(err error) *idclient.StreamError {
	data := &idclient.StreamError{Message: err.Error()}
	if apiErr := (*apiError)(nil); errors.As(err, &apiErr) {
		data.Code = apiErr.code
		data.RetryAfterMS = apiErr.retryAfter.Milliseconds()
	}
	return data
}

func newEventPayload(eventName string, seq int64, data interface{}) *idclient.StreamPayload {
	payload := newStreamPayload(idclient.StreamDispatchOpcode, seq, data)
	payload.EventName = eventName
	return payload
}

func newStreamPayload(opCode int, seq int64, data interface{}) *idclient.StreamPayload {
	payload := &idclient.StreamPayload{
		OpCode:         opCode,
		SequenceNumber: seq,
	}
	var err error
	payload.Data, err = json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return payload
}
