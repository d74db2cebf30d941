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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a request correlation id. It holds either an integer or a string,
// mirroring what JSON-RPC 2.0 allows on the wire. The zero value is the
// absent id carried by notifications.
//
// ID is comparable and can be used as a map key.
type ID struct {
	name     string
	number   int64
	isString bool
	set      bool
}

// Int64ID returns a numeric correlation id.
func Int64ID(n int64) ID {
	return ID{number: n, set: true}
}

// StringID returns a string correlation id.
func StringID(s string) ID {
	return ID{name: s, isString: true, set: true}
}

// IsValid reports whether the id is present.
func (id ID) IsValid() bool {
	return id.set
}

// String renders the id for logs. Numeric ids print bare, string ids quoted.
func (id ID) String() string {
	switch {
	case !id.set:
		return "<none>"
	case id.isString:
		return strconv.Quote(id.name)
	default:
		return strconv.FormatInt(id.number, 10)
	}
}

// MarshalJSON encodes the id as a JSON number or string. The absent id encodes as null.
func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.set:
		return []byte("null"), nil
	case id.isString:
		return json.Marshal(id.name)
	default:
		return []byte(strconv.FormatInt(id.number, 10)), nil
	}
}

// UnmarshalJSON accepts a JSON integer, string or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be an integer or a string, got %s", data)
	}
	*id = Int64ID(n)
	return nil
}
