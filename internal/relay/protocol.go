// Copyright 2025 Tom Barlow
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

package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// envelope is the minimal JSON-RPC shape the relay inspects. The relay never
// interprets method or params; it only needs the id to correlate a response
// frame with the request that is waiting for it.
type envelope struct {
	ID json.RawMessage `json:"id"`
}

// ExtractCorrelationID returns the raw JSON token of a payload's id field,
// used as the pending-request key. hasID is false for payloads with no id
// (or an explicit null id): JSON-RPC notifications, which are forwarded
// without waiting. A payload that is not a JSON object is a caller error.
//
// JSON-RPC ids are integers in practice here but the wire format also permits
// strings; keying on the raw token handles both and keeps 1 and "1" distinct.
func ExtractCorrelationID(payload []byte) (key string, hasID bool, err error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", false, fmt.Errorf("parsing payload: %w", err)
	}
	if len(env.ID) == 0 || bytes.Equal(env.ID, []byte("null")) {
		return "", false, nil
	}
	return string(env.ID), true, nil
}
