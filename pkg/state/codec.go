/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package state implements the canonical JSON encoding of the tagged-variant
// provisioning and staging finite-state-machine states stored in object
// annotations. Encoding is {"name": "<Variant>", "<field>": "<string-or-null>", ...};
// decoding is strict: unknown variant names, missing fields, extra fields and
// mis-typed fields are all decode errors.
package state

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
)

// DecodeError is returned by Decode when the input JSON does not encode a
// valid state of the expected kind.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "state: decode error: " + e.Reason
}

func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// raw is the wire shape shared by every variant: a discriminator plus a
// loosely-typed field bag whose values are JSON strings or JSON null.
type raw struct {
	Name   string
	Fields map[string]json.RawMessage
}

func parseRaw(data []byte) (*raw, error) {
	var bag map[string]json.RawMessage
	if err := json.Unmarshal(data, &bag); err != nil {
		return nil, decodeErrorf("invalid JSON object: %v", err)
	}

	nameRaw, ok := bag["name"]
	if !ok {
		return nil, decodeErrorf("missing \"name\" field")
	}
	delete(bag, "name")

	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return nil, decodeErrorf("\"name\" field is not a string: %v", err)
	}

	return &raw{Name: name, Fields: bag}, nil
}

// fieldSet enforces that exactly the fields named by keys are present in r,
// no more and no fewer.
func (r *raw) fieldSet(keys ...string) error {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	for k := range r.Fields {
		if _, ok := want[k]; !ok {
			return decodeErrorf("variant %q has unexpected field %q", r.Name, k)
		}
	}
	for k := range want {
		if _, ok := r.Fields[k]; !ok {
			return decodeErrorf("variant %q is missing required field %q", r.Name, k)
		}
	}
	return nil
}

func (r *raw) str(key string) (string, error) {
	v, ok := r.Fields[key]
	if !ok {
		return "", decodeErrorf("variant %q is missing required field %q", r.Name, key)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", decodeErrorf("field %q of variant %q is not a string: %v", key, r.Name, err)
	}
	return s, nil
}

func (r *raw) optStr(key string) (*string, error) {
	v, ok := r.Fields[key]
	if !ok {
		return nil, decodeErrorf("variant %q is missing required field %q", r.Name, key)
	}
	if string(v) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil, decodeErrorf("field %q of variant %q is not a string or null: %v", key, r.Name, err)
	}
	return &s, nil
}

func (r *raw) integer(key string) (int64, error) {
	s, err := r.str(key)
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, decodeErrorf("field %q of variant %q is not an integer string: %q", key, r.Name, s)
	}
	return n, nil
}

func (r *raw) optInteger(key string) (*int64, error) {
	s, err := r.optStr(key)
	if err != nil || s == nil {
		return nil, err
	}
	var n int64
	if _, err := fmt.Sscanf(*s, "%d", &n); err != nil {
		return nil, decodeErrorf("field %q of variant %q is not an integer string: %q", key, r.Name, *s)
	}
	return &n, nil
}

func (r *raw) boolean(key string) (bool, error) {
	s, err := r.str(key)
	if err != nil {
		return false, err
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, decodeErrorf("field %q of variant %q is not a bool string: %q", key, r.Name, s)
	}
}

func (r *raw) code(key string) (codes.Code, error) {
	s, err := r.str(key)
	if err != nil {
		return codes.Unknown, err
	}
	for c := codes.OK; c <= codes.Unauthenticated; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return codes.Unknown, decodeErrorf("field %q of variant %q is not a known status code: %q", key, r.Name, s)
}

// encoder accumulates the field bag of an outgoing state value.
type encoder struct {
	name   string
	fields map[string]interface{}
}

func newEncoder(name string) *encoder {
	return &encoder{name: name, fields: map[string]interface{}{}}
}

func (e *encoder) str(key, value string) *encoder {
	e.fields[key] = value
	return e
}

func (e *encoder) optStr(key string, value *string) *encoder {
	if value == nil {
		e.fields[key] = nil
	} else {
		e.fields[key] = *value
	}
	return e
}

func (e *encoder) integer(key string, value int64) *encoder {
	e.fields[key] = fmt.Sprintf("%d", value)
	return e
}

func (e *encoder) optInteger(key string, value *int64) *encoder {
	if value == nil {
		e.fields[key] = nil
	} else {
		e.fields[key] = fmt.Sprintf("%d", *value)
	}
	return e
}

func (e *encoder) boolean(key string, value bool) *encoder {
	if value {
		e.fields[key] = "true"
	} else {
		e.fields[key] = "false"
	}
	return e
}

func (e *encoder) code(key string, value codes.Code) *encoder {
	e.fields[key] = value.String()
	return e
}

func (e *encoder) marshal() ([]byte, error) {
	out := make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		out[k] = v
	}
	out["name"] = e.name
	return json.Marshal(out)
}
