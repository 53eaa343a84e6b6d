package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotObject   = errors.New("protocol: frame is not a JSON object")
	ErrMissingType = errors.New("protocol: frame missing type")
	ErrFieldType   = errors.New("protocol: field has unexpected JSON type")
)

// Frame is a decoded JSON object with its routing header extracted.
//
// The relay forwards frames verbatim apart from the fields it owns ("from" and
// "timestamp"), so the remaining payload is kept as raw JSON.
type Frame struct {
	Type      MessageType
	To        string
	MessageID string

	fields map[string]json.RawMessage
}

// ParseFrame decodes data as a single JSON object carrying a string "type".
func ParseFrame(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Frame{}, ErrNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, fmt.Errorf("protocol: %w", err)
	}

	f := Frame{fields: fields}

	var typ string
	if err := f.stringField("type", &typ); err != nil {
		return Frame{}, err
	}
	if typ == "" {
		return Frame{}, ErrMissingType
	}
	f.Type = MessageType(typ)

	if err := f.stringField("to", &f.To); err != nil {
		return Frame{}, err
	}
	if err := f.stringField("messageId", &f.MessageID); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Encode marshals a typed message and parses it back into a Frame.
func Encode(v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return ParseFrame(data)
}

func (f Frame) stringField(name string, dst *string) error {
	raw, ok := f.fields[name]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s", ErrFieldType, name)
	}
	return nil
}

// Field returns the raw JSON of a top-level field.
func (f Frame) Field(name string) (json.RawMessage, bool) {
	raw, ok := f.fields[name]
	return raw, ok
}

// Has reports whether the frame carries the named field.
func (f Frame) Has(name string) bool {
	_, ok := f.fields[name]
	return ok
}

// With returns a copy of f with the named field set to v. The receiver is not
// modified.
func (f Frame) With(name string, v any) (Frame, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	out := f.clone()
	out.fields[name] = raw
	switch name {
	case "to":
		out.To = ""
		_ = out.stringField("to", &out.To)
	case "messageId":
		out.MessageID = ""
		_ = out.stringField("messageId", &out.MessageID)
	}
	return out, nil
}

// WithFrom stamps the sender identity. Any client supplied value is replaced.
func (f Frame) WithFrom(username string) Frame {
	out, _ := f.With("from", username) // marshaling a string cannot fail
	return out
}

func (f Frame) clone() Frame {
	out := f
	out.fields = make(map[string]json.RawMessage, len(f.fields)+1)
	for k, v := range f.fields {
		out.fields[k] = v
	}
	return out
}

// Decode unmarshals the whole frame into v.
func (f Frame) Decode(v any) error {
	data, err := f.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (f Frame) MarshalJSON() ([]byte, error) {
	if f.fields == nil {
		return json.Marshal(map[string]string{"type": string(f.Type)})
	}
	return json.Marshal(f.fields)
}
