package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Shape records which envelope the analysis service used for its answer.
type Shape string

const (
	ShapeObject        Shape = "object"
	ShapeArrayWrapped  Shape = "array_wrapped"
	ShapeStringEncoded Shape = "string_encoded"
)

var (
	// ErrEmptyBody is returned for an empty, whitespace-only, null or []
	// response.
	ErrEmptyBody = errors.New("empty response body")

	// ErrMalformedBody is returned when no JSON object can be recovered.
	ErrMalformedBody = errors.New("malformed response body")
)

// Result is a decoded analysis answer, normalized to one JSON object.
type Result struct {
	Shape  Shape                      `json:"shape"`
	Object json.RawMessage            `json:"object"`
	Fields map[string]json.RawMessage `json:"-"`
}

// Decode normalizes the accepted response shapes into a single object:
// a plain object, an array whose first element is an object, or a JSON
// string holding either of those (unwrapped once).
func Decode(body []byte) (*Result, error) {
	return decode(body, false)
}

func decode(body []byte, nested bool) (*Result, error) {
	data := bytes.TrimSpace(body)
	if len(data) == 0 {
		return nil, ErrEmptyBody
	}

	switch data[0] {
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		return &Result{Shape: ShapeObject, Object: append(json.RawMessage(nil), data...), Fields: fields}, nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		if len(items) == 0 {
			return nil, ErrEmptyBody
		}
		first := bytes.TrimSpace(items[0])
		if len(first) == 0 || first[0] != '{' {
			return nil, fmt.Errorf("%w: first array element is not an object", ErrMalformedBody)
		}
		res, err := decode(first, nested)
		if err != nil {
			return nil, err
		}
		res.Shape = ShapeArrayWrapped
		return res, nil

	case '"':
		if nested {
			return nil, fmt.Errorf("%w: doubly encoded string", ErrMalformedBody)
		}
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		res, err := decode([]byte(inner), true)
		if err != nil {
			return nil, err
		}
		res.Shape = ShapeStringEncoded
		return res, nil
	}

	if bytes.Equal(data, []byte("null")) {
		return nil, ErrEmptyBody
	}
	return nil, fmt.Errorf("%w: unexpected leading %q", ErrMalformedBody, data[0])
}
