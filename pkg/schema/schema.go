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

// Package schema generates and checks the JSON Schema documents attached
// to agent descriptors.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalid is matched by every *ValidationError.
var ErrInvalid = errors.New("payload does not match schema")

// Validator checks a payload against a schema. An empty schema accepts
// every payload.
type Validator interface {
	Validate(schema, payload json.RawMessage) error
}

// ValidationError lists the schema violations found in a payload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalid, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// Reflect generates a schema from a Go type using struct tags.
//
// Supported tags:
//   - json:"name" - Property name
//   - json:",omitempty" - Optional property
//   - jsonschema:"required" - Explicitly mark as required
//   - jsonschema:"description=..." - Property description
//   - jsonschema:"enum=a,enum=b" - Allowed values
//
// Example:
//
//	type Input struct {
//	    Text string `json:"text" jsonschema:"required,description=Text to greet"`
//	}
func Reflect[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	s := reflector.Reflect(new(T))
	s.Version = ""
	s.ID = ""

	data, err := json.Marshal(s)
	if err != nil {
		// A reflected schema is always marshalable.
		panic(fmt.Sprintf("marshal reflected schema: %v", err))
	}
	return data
}

// IsEmpty reports whether schema places no constraint on payloads.
func IsEmpty(schema json.RawMessage) bool {
	s := strings.TrimSpace(string(schema))
	return s == "" || s == "null" || s == "{}" || s == "true"
}

// JSONSchemaValidator validates with gojsonschema. Compiled schemas are
// cached by their text, so descriptors that share a schema compile once.
type JSONSchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*gojsonschema.Schema
}

func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{cache: make(map[string]*gojsonschema.Schema)}
}

func (v *JSONSchemaValidator) Validate(schema, payload json.RawMessage) error {
	if IsEmpty(schema) {
		return nil
	}
	compiled, err := v.compile(schema)
	if err != nil {
		return err
	}

	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
	}
	return &ValidationError{Problems: problems}
}

// Compile checks that schema is itself a valid JSON Schema document.
func (v *JSONSchemaValidator) Compile(schema json.RawMessage) error {
	if IsEmpty(schema) {
		return nil
	}
	_, err := v.compile(schema)
	return err
}

func (v *JSONSchemaValidator) compile(schema json.RawMessage) (*gojsonschema.Schema, error) {
	key := string(schema)

	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// Noop accepts every payload.
type Noop struct{}

func (Noop) Validate(json.RawMessage, json.RawMessage) error { return nil }
