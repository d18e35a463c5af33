package dispatch

import (
	"encoding/json"
	"fmt"
)

// Param is one query parameter. Order is preserved on the wire.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RequestInput is an ordered parameter list, an opaque data payload or, in
// process, a typed value. Value never crosses the wire as is: a Client sends
// it as Data.
type RequestInput struct {
	Params []Param         `json:"params,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Value  any             `json:"-"`
}

// Params builds a parameter input from alternating key/value strings.
func Params(kv ...string) RequestInput {
	in := RequestInput{}
	for i := 0; i+1 < len(kv); i += 2 {
		in.Params = append(in.Params, Param{Key: kv[i], Value: kv[i+1]})
	}
	return in
}

// Data builds a payload input from any JSON-encodable value.
func Data(v any) (RequestInput, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return RequestInput{}, fmt.Errorf("encode request data: %w", err)
	}
	return RequestInput{Data: b}, nil
}

// Value builds an input that a local handler receives without any encoding.
func Value(v any) RequestInput {
	return RequestInput{Value: v}
}

// wire returns the input as sent to a server.
func (in RequestInput) wire() (RequestInput, error) {
	if in.Value == nil {
		return in, nil
	}
	out, err := Data(in.Value)
	if err != nil {
		return RequestInput{}, err
	}
	out.Params = in.Params
	return out, nil
}

// Param returns the first value for key.
func (in RequestInput) Param(key string) (string, bool) {
	for _, p := range in.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Bind decodes the input into dst: the payload when present, the parameters
// (as a JSON object keyed by parameter name) otherwise.
func (in RequestInput) Bind(dst any) error {
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, dst); err != nil {
			return fmt.Errorf("%w: %v", ErrBadInput, err)
		}
		return nil
	}
	if len(in.Params) == 0 {
		return nil
	}
	obj := make(map[string]string, len(in.Params))
	for _, p := range in.Params {
		if _, dup := obj[p.Key]; !dup {
			obj[p.Key] = p.Value
		}
	}
	b, _ := json.Marshal(obj)
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return nil
}
