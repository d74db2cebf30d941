// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol defines the Agent Communication Protocol message model
// and its JSON-RPC 2.0 wire codec.
//
// Four message kinds travel over a channel:
//
//	Request       id + method + params
//	Response      id + result
//	Notification  method + params, no id
//	Error         id + error
//
// Every Request is answered by exactly one Response or Error carrying the
// same id. Streamed output of a run travels as agents/run/chunk
// notifications whose params name the run's id.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind tags the variant held by a Message.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is a single protocol message.
//
// Which fields are meaningful depends on Kind: Method and Params for
// requests and notifications, Result for responses, Error for error
// responses. ID is set on everything except notifications.
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// IsTerminal reports whether the message ends a request (Response or Error).
func (m *Message) IsTerminal() bool {
	return m.Kind == KindResponse || m.Kind == KindError
}

// NewRequest builds a request. params may be nil.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification. params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResponse builds a successful terminal response for id.
func NewResponse(id ID, result any) (*Message, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failed terminal response for id.
func NewErrorResponse(id ID, err *Error) *Message {
	if err == nil {
		err = ErrInternal
	}
	return &Message{Kind: KindError, ID: id, Error: err}
}

// UnmarshalParams decodes the message params into v.
func (m *Message) UnmarshalParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return NewError(CodeInvalidParams, "invalid params", err.Error())
	}
	return nil
}

// marshalPayload marshals v, passing raw JSON through untouched. A nil
// value or JSON null yields a nil payload.
func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 || string(p) == "null" {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw JSON payload")
		}
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}
