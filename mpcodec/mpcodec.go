// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package mpcodec implements a synapse.Codec using MessagePack.
//
// An argument list is encoded as a MessagePack array. Struct fields without a
// msgpack tag use their json tag, so types already prepared for the JSON codec
// need no further annotation.
package mpcodec

import (
	"bytes"
	"fmt"

	"github.com/creachadair/synapse"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec is a synapse.Codec that encodes values as MessagePack.
var Codec synapse.Codec = codec{}

type codec struct{}

func (codec) Name() string { return "msgpack" }

func (c codec) EncodeArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return c.Encode(args)
}

func (codec) SplitArgs(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := newDecoder(data)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("argument list: %w", err)
	} else if n < 0 {
		return nil, nil // nil array
	}
	out := make([][]byte, n)
	for i := range n {
		raw, err := dec.DecodeRaw()
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = raw
	}
	if _, err := dec.Buffered().Read(make([]byte, 1)); err == nil {
		return nil, fmt.Errorf("argument list: extra data after %d arguments", n)
	}
	return out, nil
}

func (codec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (codec) Decode(data []byte, v any) error { return newDecoder(data).Decode(v) }

func newDecoder(data []byte) *msgpack.Decoder {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec
}
