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

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSONRPCVersion is the envelope version written on every message.
const JSONRPCVersion = "2.0"

// wireMessage is the JSON-RPC 2.0 envelope. Raw fields keep the
// difference between an absent member (nil) and an explicit null.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var jsonNull = json.RawMessage("null")

// Encode serializes m into its wire form. It only fails for messages that
// are not well formed: an unknown kind, a missing method or id, or raw
// payloads that are not valid JSON.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}
	w := wireMessage{JSONRPC: JSONRPCVersion}

	switch m.Kind {
	case KindRequest:
		if m.Method == "" || !m.ID.IsValid() {
			return nil, fmt.Errorf("encode request: method and id are required")
		}
		w.Method, w.Params = m.Method, m.Params
	case KindNotification:
		if m.Method == "" {
			return nil, fmt.Errorf("encode notification: method is required")
		}
		w.Method, w.Params = m.Method, m.Params
	case KindResponse:
		if !m.ID.IsValid() {
			return nil, fmt.Errorf("encode response: id is required")
		}
		w.Result = m.Result
		if len(w.Result) == 0 {
			w.Result = jsonNull
		}
	case KindError:
		w.Error = m.Error
		if w.Error == nil {
			w.Error = ErrInternal
		}
	default:
		return nil, fmt.Errorf("encode: unknown message kind %v", m.Kind)
	}

	if m.Kind != KindNotification {
		id, err := m.ID.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode id: %w", err)
		}
		w.ID = id
	}

	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return b, nil
}

// Decode parses one wire message. Anything that is not a well-formed
// JSON-RPC 2.0 request, response, notification or error yields a
// *DecodeError holding the raw payload.
func Decode(data []byte) (*Message, error) {
	fail := func(err error) (*Message, error) {
		raw := make([]byte, len(data))
		copy(raw, data)
		return nil, &DecodeError{Raw: raw, Err: err}
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fail(err)
	}
	if w.JSONRPC != JSONRPCVersion {
		return fail(fmt.Errorf("unsupported jsonrpc version %q", w.JSONRPC))
	}

	var id ID
	if err := id.UnmarshalJSON(w.ID); err != nil {
		return fail(err)
	}
	hasResult := w.Result != nil
	hasError := w.Error != nil

	m := &Message{ID: id, Method: w.Method}
	switch {
	case w.Method != "":
		if hasResult || hasError {
			return fail(errors.New("method call carries result or error"))
		}
		m.Kind = KindNotification
		if id.IsValid() {
			m.Kind = KindRequest
		}
		m.Params = normalize(w.Params)
	case hasResult && hasError:
		return fail(errors.New("message carries both result and error"))
	case hasError:
		m.Kind = KindError
		m.Error = w.Error
		m.Error.Data = normalize(m.Error.Data)
	case hasResult:
		if !id.IsValid() {
			return fail(errors.New("response without id"))
		}
		m.Kind = KindResponse
		m.Result = normalize(w.Result)
	default:
		return fail(errors.New("message has neither method, result nor error"))
	}
	return m, nil
}

func normalize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
