// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"testing"

	"github.com/creachadair/synapse/packet"
	"github.com/google/go-cmp/cmp"
)

func TestVint30(t *testing.T) {
	tests := []struct {
		input packet.Vint30
		want  string
	}{
		{0, "\x00"},
		{1, "\x04"},
		{63, "\xfc"},

		{64, "\x01\x01"},
		{500, "\xd1\x07"},
		{16383, "\xfd\xff"},

		{16384, "\x02\x00\x01"},
		{1048576, "\x02\x00\x40"},

		{62830181, "\x97\xd9\xfa\x0e"},
		{1073741823, "\xff\xff\xff\xff"}, // maximum supported value
	}

	var packed []byte
	for _, tc := range tests {
		got := tc.input.Append(nil)
		if string(got) != tc.want {
			t.Errorf("Encode %d: got %v, want %v", tc.input, got, []byte(tc.want))
		}
		packed = tc.input.Append(packed)
	}

	// The accumulated encodings must be self-framing.
	s := packet.NewScanner(packed)
	for i, tc := range tests {
		got, err := s.Vint30()
		if err != nil {
			t.Fatalf("Index %d: invalid encoding at offset %d: %v", i, s.Offset(), err)
		} else if packet.Vint30(got) != tc.input {
			t.Errorf("Index %d: got %v, want %v", i, got, tc.input)
		}
	}
	if err := s.Done(); err != nil {
		t.Errorf("Done: unexpected error: %v", err)
	}
}

func TestBuilder(t *testing.T) {
	var b packet.Builder
	b.Bool(true)
	b.Put(5, 9)
	b.Uint32(0xfc009a01)
	b.Vint30(999)
	b.VPutString("area")
	b.VPut([]byte(`[3,4]`))

	const want = "\x01\x05\x09\xfc\x00\x9a\x01\x9d\x0f\x10area\x14[3,4]"
	if n := b.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := packet.NewScanner(b.Bytes())
	check(t, "Bool", s.Bool, true)
	check(t, "Byte 1", s.Byte, 5)
	check(t, "Byte 2", s.Byte, 9)
	check(t, "Uint32", s.Uint32, 0xfc009a01)
	check(t, "Vint30", s.Vint30, 999)
	check(t, "VString", func() (string, error) { return packet.VGet[string](s) }, "area")
	check(t, "VBytes", func() ([]byte, error) { return packet.VGet[[]byte](s) }, []byte("[3,4]"))

	if err := s.Done(); err != nil {
		t.Errorf("Done: %v", err)
	}

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", b.Len())
	}
}

func TestScannerTruncated(t *testing.T) {
	s := packet.NewScanner("\x10are")
	if _, err := packet.VGet[string](s); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("VGet: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if _, err := packet.NewScanner("\x00\x01").Uint32(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Uint32: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if err := packet.NewScanner("x").Done(); err == nil {
		t.Error("Done: got nil, want error for unconsumed input")
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}
