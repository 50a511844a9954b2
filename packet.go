// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/synapse/packet"
)

// Version is the protocol version written in packet headers.
const Version = 0

// maxPayload is the largest packet payload a peer will accept.
const maxPayload = 1 << 26

// Packet is the framing unit exchanged by peers over a [Channel].
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'S', 'Y', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if v := string(buf[:3]); v != "SY\x00" {
		return int64(nr), fmt.Errorf("invalid protocol version %q", v)
	}

	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])
	p.Payload = nil

	psize := binary.BigEndian.Uint32(buf[4:])
	if psize > maxPayload {
		return int64(nr), fmt.Errorf("payload too large (%d bytes)", psize)
	} else if psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req RequestFrame
		if err := req.Decode(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketCancel:
		var can CancelFrame
		if err := can.Decode(p.Payload); err == nil {
			pay = can.String()
		}
	case PacketResponse:
		var rsp ResponseFrame
		if err := rsp.Decode(p.Payload); err == nil {
			pay = rsp.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(SY%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a packet. Peers silently
// discard packets of types they do not understand.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // The initial request for a call
	PacketCancel   PacketType = 3 // A cancellation signal for a pending call
	PacketResponse PacketType = 4 // The final response from a call
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// RequestFrame is the payload of a request packet: a call ID chosen by the
// caller, and the request itself.
type RequestFrame struct {
	RequestID uint32
	Request
}

// Encode encodes the frame in binary format.
func (f RequestFrame) Encode() []byte {
	var b packet.Builder
	b.Grow(4 + packet.VLen(len(f.Method)) + packet.VLen(len(f.Args)))
	b.Uint32(f.RequestID)
	b.Put(f.Request.Encode()...)
	return b.Bytes()
}

// Decode decodes data into a request frame.
func (f *RequestFrame) Decode(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("request ID: %w", err)
	}
	f.RequestID = id
	return f.Request.Decode(s.Rest())
}

// String returns a human-friendly rendering of the frame.
func (f RequestFrame) String() string {
	return fmt.Sprintf("Request(ID=%v, Method=%q, Args=%q)", f.RequestID, f.Method, f.Args)
}

// Status describes how a call over a peer connection ended, independent of
// the outcome reported by its response.
type Status byte

const (
	StatusOK          Status = 0 // The call completed; the response is valid
	StatusCanceled    Status = 1 // The call was canceled before it completed
	StatusDuplicateID Status = 2 // The request ID was already in use
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusCanceled:
		return "CANCELED"
	case StatusDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	default:
		return fmt.Sprintf("status %d", byte(s))
	}
}

// ResponseFrame is the payload of a response packet. The Response is
// meaningful only when Status is StatusOK.
type ResponseFrame struct {
	RequestID uint32
	Status    Status
	Response
}

// Encode encodes the frame in binary format.
func (f ResponseFrame) Encode() []byte {
	var b packet.Builder
	b.Uint32(f.RequestID)
	b.Put(byte(f.Status))
	if f.Status == StatusOK {
		b.Put(f.Response.Encode()...)
	}
	return b.Bytes()
}

// Decode decodes data into a response frame.
func (f *ResponseFrame) Decode(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("response ID: %w", err)
	}
	st, err := s.Byte()
	if err != nil {
		return fmt.Errorf("response status: %w", err)
	}
	f.RequestID = id
	f.Status = Status(st)
	switch f.Status {
	case StatusOK:
		return f.Response.Decode(s.Rest())
	case StatusCanceled, StatusDuplicateID:
		f.Response = Response{}
		return s.Done()
	default:
		return fmt.Errorf("invalid response status %d", st)
	}
}

// String returns a human-friendly rendering of the frame.
func (f ResponseFrame) String() string {
	if f.Status != StatusOK {
		return fmt.Sprintf("Response(ID=%v, %v)", f.RequestID, f.Status)
	}
	return fmt.Sprintf("Response(ID=%v, %v)", f.RequestID, f.Response.String())
}

// CancelFrame is the payload of a cancel packet.
type CancelFrame struct {
	RequestID uint32
}

// Encode encodes the frame in binary format.
func (c CancelFrame) Encode() []byte {
	return binary.BigEndian.AppendUint32(nil, c.RequestID)
}

// Decode decodes data into a cancel frame.
func (c *CancelFrame) Decode(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	c.RequestID = binary.BigEndian.Uint32(data)
	return nil
}

// String returns a human-friendly rendering of the cancellation.
func (c CancelFrame) String() string { return fmt.Sprintf("Cancel(ID=%v)", c.RequestID) }
