// Package protocol defines the request and response messages exchanged
// between kvs clients and servers. Messages are JSON objects tagged with
// their variant name and written back to back with no delimiter:
//
//	{"Get":{"key":"k"}}  {"Set":{"key":"k","value":"v"}}  {"Remove":{"key":"k"}}
//	{"Ok":"v"}  {"Ok":null}  {"Err":"message"}
package protocol

import (
	"encoding/json"
	"fmt"
)

// Op names a request variant
type Op string

const (
	OpGet    Op = "Get"
	OpSet    Op = "Set"
	OpRemove Op = "Remove"
)

// Request is a single client command
type Request struct {
	Op    Op
	Key   string
	Value string // Set only
}

type keyBody struct {
	Key string `json:"key"`
}

type setBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Get builds a Get request
func Get(key string) *Request {
	return &Request{Op: OpGet, Key: key}
}

// Set builds a Set request
func Set(key, value string) *Request {
	return &Request{Op: OpSet, Key: key, Value: value}
}

// Remove builds a Remove request
func Remove(key string) *Request {
	return &Request{Op: OpRemove, Key: key}
}

// MarshalJSON encodes the request as {"<Op>":{...}}
func (r Request) MarshalJSON() ([]byte, error) {
	var body interface{}
	switch r.Op {
	case OpGet, OpRemove:
		body = keyBody{Key: r.Key}
	case OpSet:
		body = setBody{Key: r.Key, Value: r.Value}
	default:
		return nil, fmt.Errorf("unknown request %q", r.Op)
	}
	return json.Marshal(map[Op]interface{}{r.Op: body})
}

// UnmarshalJSON decodes {"<Op>":{...}}. Field names are matched exactly and
// every field of the variant must be present as a string.
func (r *Request) UnmarshalJSON(data []byte) error {
	op, raw, err := variant(data)
	if err != nil {
		return err
	}

	switch Op(op) {
	case OpGet, OpRemove:
		f, err := fields(op, raw, "key")
		if err != nil {
			return err
		}
		*r = Request{Op: Op(op), Key: f["key"]}
	case OpSet:
		f, err := fields(op, raw, "key", "value")
		if err != nil {
			return err
		}
		*r = Request{Op: OpSet, Key: f["key"], Value: f["value"]}
	default:
		return fmt.Errorf("unknown request %q", op)
	}
	return nil
}

// fields extracts the named string fields from a request body. Unknown
// fields are ignored.
func fields(op string, raw json.RawMessage, names ...string) (map[string]string, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode %s request: %w", op, err)
	}
	if body == nil {
		return nil, fmt.Errorf("decode %s request: missing body", op)
	}

	out := make(map[string]string, len(names))
	for _, name := range names {
		v, ok := body[name]
		if !ok || string(v) == "null" {
			return nil, fmt.Errorf("decode %s request: missing field %q", op, name)
		}
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return nil, fmt.Errorf("decode %s request: field %q: %w", op, name, err)
		}
		out[name] = str
	}
	return out, nil
}

// Response answers one request. Err is set on failure; otherwise Value
// carries the result of a Get and is nil for a missing key and for every
// Set or Remove.
type Response struct {
	Value *string
	Err   *string
}

// Ok builds a successful response
func Ok(value *string) *Response {
	return &Response{Value: value}
}

// Found builds a successful Get response carrying value
func Found(value string) *Response {
	return &Response{Value: &value}
}

// Fail builds an error response
func Fail(message string) *Response {
	return &Response{Err: &message}
}

// IsErr reports whether the response carries an error
func (r *Response) IsErr() bool {
	return r.Err != nil
}

// Error returns the error message, or "" for a successful response
func (r *Response) Error() string {
	if r.Err == nil {
		return ""
	}
	return *r.Err
}

// MarshalJSON encodes the response as {"Ok":...} or {"Err":"..."}
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(map[string]string{"Err": *r.Err})
	}
	return json.Marshal(map[string]*string{"Ok": r.Value})
}

// UnmarshalJSON decodes {"Ok":...} or {"Err":"..."}
func (r *Response) UnmarshalJSON(data []byte) error {
	tag, raw, err := variant(data)
	if err != nil {
		return err
	}

	switch tag {
	case "Ok":
		var value *string
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("decode Ok response: %w", err)
		}
		*r = Response{Value: value}
	case "Err":
		var message string
		if err := json.Unmarshal(raw, &message); err != nil {
			return fmt.Errorf("decode Err response: %w", err)
		}
		*r = Response{Err: &message}
	default:
		return fmt.Errorf("unknown response %q", tag)
	}
	return nil
}

// variant splits an externally tagged value into its tag and body.
func variant(data []byte) (string, json.RawMessage, error) {
	var variants map[string]json.RawMessage
	if err := json.Unmarshal(data, &variants); err != nil {
		return "", nil, err
	}
	if len(variants) != 1 {
		return "", nil, fmt.Errorf("expected exactly one variant, got %d", len(variants))
	}
	for tag, raw := range variants {
		return tag, raw, nil
	}
	return "", nil, nil
}
