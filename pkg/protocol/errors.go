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

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ACP error codes, in the implementation-defined server error range.
const (
	CodeUnknownAgent   = -32001
	CodeNotInitialized = -32002
	CodeInvalidInput   = -32003
	CodeHandlerFailed  = -32004
	CodeInvalidOutput  = -32005
	CodeCancelled      = -32800
)

// Error is the error object of an ErrorResponse. It implements error so
// handlers and clients can pass it through ordinary Go error paths.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("acp error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("acp error %d: %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, protocol.ErrUnknownAgent) regardless of the message text.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is checks against wire errors.
var (
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: "method not found"}
	ErrInvalidParams  = &Error{Code: CodeInvalidParams, Message: "invalid params"}
	ErrInternal       = &Error{Code: CodeInternalError, Message: "internal error"}
	ErrUnknownAgent   = &Error{Code: CodeUnknownAgent, Message: "unknown agent"}
	ErrNotInitialized = &Error{Code: CodeNotInitialized, Message: "session not initialized"}
	ErrInvalidInput   = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrHandlerFailed  = &Error{Code: CodeHandlerFailed, Message: "handler failed"}
	ErrInvalidOutput  = &Error{Code: CodeInvalidOutput, Message: "invalid output"}
	ErrCancelled      = &Error{Code: CodeCancelled, Message: "cancelled"}
)

// NewError builds an *Error. data, when non-nil, is marshaled into Data;
// a value that cannot be marshaled is recorded as its fmt representation.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			b, _ = json.Marshal(fmt.Sprint(data))
		}
		e.Data = b
	}
	return e
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces err into an *Error. Errors that are not already wire
// errors become InternalError with the error text as message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

// ErrDecode is matched by every *DecodeError.
var ErrDecode = errors.New("malformed message")

// DecodeError reports a payload that could not be decoded into a Message.
// Raw holds the offending fragment.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	const maxRaw = 256
	raw := e.Raw
	suffix := ""
	if len(raw) > maxRaw {
		raw = raw[:maxRaw]
		suffix = "..."
	}
	return fmt.Sprintf("decode message: %v (raw: %q%s)", e.Err, raw, suffix)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports true for ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
