// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel implements the packet channels that connect synapse peers.
//
// [Direct] connects two peers in the same process without encoding packets.
// [IO] carries the binary framing over any reader and writer, such as a
// network connection or the standard streams of a module process. [Pipe]
// connects two peers in the same process through the binary framing, which
// exercises the same path as a real connection.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/synapse"
)

// link carries packets in one direction between two direct endpoints.
type link struct {
	pkts chan *synapse.Packet
	done chan struct{} // closed when the sending end closes
	once sync.Once
}

func newLink() *link {
	return &link{pkts: make(chan *synapse.Packet), done: make(chan struct{})}
}

// hangUp closes l, and reports whether this call did so.
func (l *link) hangUp() (ok bool) {
	l.once.Do(func() { close(l.done); ok = true })
	return ok
}

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa. Each end reports [net.ErrClosed] once either end has
// closed its side of the connection.
func Direct() (A, B synapse.Channel) {
	ab, ba := newLink(), newLink()
	return direct{out: ab, in: ba}, direct{out: ba, in: ab}
}

type direct struct{ out, in *link }

// Send implements a method of the [synapse.Channel] interface.
func (d direct) Send(pkt *synapse.Packet) error {
	select {
	case <-d.out.done:
		return net.ErrClosed
	case <-d.in.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out.pkts <- pkt:
		return nil
	case <-d.out.done:
	case <-d.in.done:
	}
	return net.ErrClosed
}

// Recv implements a method of the [synapse.Channel] interface.
func (d direct) Recv() (*synapse.Packet, error) {
	select {
	case pkt := <-d.in.pkts:
		return pkt, nil
	case <-d.in.done:
	case <-d.out.done:
	}
	return nil, net.ErrClosed
}

// Close implements a method of the [synapse.Channel] interface. Closing an
// end more than once reports [net.ErrClosed].
func (d direct) Close() error {
	if !d.out.hangUp() {
		return net.ErrClosed
	}
	return nil
}

// IO constructs a channel that receives from r and sends to wc in the binary
// framing format. Closing the channel closes wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// Pipe constructs a connected pair of in-memory channels that exchange
// packets in the binary framing format. As with [IO], closing one end closes
// its output, and the other end then receives [io.EOF].
func Pipe() (A, B IOChannel) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return IO(ar, aw), IO(br, bw)
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [synapse.Channel] interface. Each packet
// is flushed to the underlying writer before Send returns.
func (c IOChannel) Send(pkt *synapse.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [synapse.Channel] interface.
func (c IOChannel) Recv() (*synapse.Packet, error) {
	pkt := new(synapse.Packet)
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Close implements a method of the [synapse.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
