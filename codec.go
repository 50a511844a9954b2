// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// A Codec encodes argument lists and result values for transmission between
// a client and a dispatch service. Both sides of a connection must agree on
// the codec in use.
type Codec interface {
	// Name reports a short identifying name for the codec, e.g., "json".
	Name() string

	// EncodeArgs encodes an ordered list of argument values.
	EncodeArgs(args []any) ([]byte, error)

	// SplitArgs decodes an encoded argument list into the separately-encoded
	// values of each argument, without interpreting them further. An empty
	// input denotes an empty argument list.
	SplitArgs(data []byte) ([][]byte, error)

	// Encode encodes a single value.
	Encode(v any) ([]byte, error)

	// Decode decodes a single encoded value into v, which must be a pointer.
	Decode(data []byte, v any) error
}

// JSON is a Codec that encodes argument lists as JSON arrays and values as
// JSON text. It is the default codec for clients and services.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) EncodeArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(args)
}

func (jsonCodec) SplitArgs(data []byte) ([][]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("argument list: %w", err)
	}
	out := make([][]byte, len(raw))
	for i, r := range raw {
		out[i] = r
	}
	return out, nil
}

func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// Args is the decoded argument list of a call, as delivered to a [Handler].
// Each argument remains encoded until the handler decodes it.
type Args struct {
	codec Codec
	raw   [][]byte
}

// NewArgs constructs an argument list from separately-encoded values.
func NewArgs(c Codec, raw [][]byte) Args { return Args{codec: c, raw: raw} }

// Len reports the number of arguments in a.
func (a Args) Len() int { return len(a.raw) }

// Raw returns the encoded form of the argument at index i.
func (a Args) Raw(i int) []byte { return a.raw[i] }

// Decode decodes the argument at index i into v, which must be a pointer.
// A failure is reported as an *ArgError.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a.raw) {
		return &ArgError{Index: i, Err: fmt.Errorf("index out of range (%d arguments)", len(a.raw))}
	}
	if err := a.codec.Decode(a.raw[i], v); err != nil {
		return &ArgError{Index: i, Type: strings.TrimPrefix(fmt.Sprintf("%T", v), "*"), Err: err}
	}
	return nil
}
