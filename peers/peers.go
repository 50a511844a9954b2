// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for connecting, serving, and testing
// synapse peers.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/channel"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *synapse.Peer
	B *synapse.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: synapse.NewPeer().Start(a2b),
		B: synapse.NewPeer().Start(b2a),
	}
}

// An Accepter accepts channels from connecting callers.
type Accepter interface {
	Accept(context.Context) (synapse.Channel, error)
}

// Loop accepts connections from acc and starts a peer for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *synapse.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := newPeer().Start(ch)
			go func() { <-sctx.Done(); peer.Stop() }()
			return peer.Wait()
		})
	}
}

// Serve accepts connections from lst and services the requests on each with
// d, until lst closes or ctx ends. Errors on individual connections are
// logged and do not stop the loop.
func Serve(ctx context.Context, lst net.Listener, d synapse.Dispatcher, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("serving", zap.String("addr", lst.Addr().String()))
	return Loop(ctx, NetAccepter(lst), func() *synapse.Peer {
		return synapse.NewPeer().Serve(d).Logger(log).OnExit(func(err error) {
			if err != nil {
				log.Warn("connection ended", zap.Error(err))
			}
		})
	})
}

// ListenAndServe listens on addr and serves requests with d until ctx ends.
// If addr == "", [synapse.DefaultAddr] is used.
func ListenAndServe(ctx context.Context, addr string, d synapse.Dispatcher, log *zap.Logger) error {
	if addr == "" {
		addr = synapse.DefaultAddr
	}
	lst, err := net.Listen(synapse.SplitAddress(addr))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer lst.Close()
	return Serve(ctx, lst, d, log)
}

// Dial connects to a service at addr and returns a running peer for the
// connection. If addr == "", [synapse.DefaultAddr] is used.
func Dial(ctx context.Context, addr string) (*synapse.Peer, error) {
	if addr == "" {
		addr = synapse.DefaultAddr
	}
	network, address := synapse.SplitAddress(addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return synapse.NewPeer().Start(channel.IO(conn, conn)), nil
}

// DialClient connects to a service at addr and returns a client that calls
// it. The caller must close the client when it is no longer needed.
func DialClient(ctx context.Context, addr string) (*synapse.Client, error) {
	p, err := Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return synapse.NewClient(p), nil
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (synapse.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
