// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", p.dir(), p.Packet)
}

// ErrNotStarted is reported by [Peer.RoundTrip] if the peer is not running.
var ErrNotStarted = errors.New("peer is not started")

// errDuplicateID is reported for a call the remote peer rejected because its
// request ID was already in use.
var errDuplicateID = errors.New("duplicate request ID")

// A Peer carries calls over a [Channel]. Each end of a connection is a peer:
// a peer whose dispatcher is set with Serve services inbound requests, and
// any peer can send requests to the other end with RoundTrip. A *Peer
// satisfies the [Transport] interface.
//
// Call Start with a channel to start the service routine for the peer. Once
// started, a peer runs until Stop is called, the channel closes, or a protocol
// fatal error occurs. Use Wait to wait for the peer to exit and report its
// status. Calling Stop terminates all requests currently in flight.
type Peer struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err     error                  // protocol fatal error
	ocall   map[uint32]pending     // outbound calls pending responses
	nexto   uint32                 // next unused outbound call ID
	icall   map[uint32]func()      // requestID → cancel func
	disp    Dispatcher             // services inbound requests
	plog    PacketLogger           // what it says on the tin
	base    func() context.Context // return a new base context
	log     *zap.Logger
	metrics *peerMetrics

	onExit func(error)
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer {
	return &Peer{log: zap.NewNop(), metrics: newPeerMetrics()}
}

// Start starts the peer running on the given channel. The peer runs until the
// channel closes or a protocol fatal error occurs. Start does not block; call
// Wait to wait for the peer to exit and report its status.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.in != nil {
		panic("peer is already started")
	}
	if p.metrics == nil {
		p.metrics = newPeerMetrics()
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.base == nil {
		p.base = context.Background
	}

	g := taskgroup.New(nil)
	p.in = ch
	p.tasks = g
	p.out.Lock()
	p.out.ch = ch
	p.out.Unlock()
	p.err = nil
	p.ocall = make(map[uint32]pending)
	p.nexto = 0
	p.icall = make(map[uint32]func())

	g.Go(func() error {
		for {
			pkt, err := ch.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			p.metrics.packetRecv.Add(1)
			if err := p.dispatchPacket(pkt); err != nil {
				p.fail(err)
				return nil
			}
		}
	})
	return p
}

// Serve sets the dispatcher that services inbound requests, and returns p to
// permit chaining. It is safe to call this while the peer is running. If d ==
// nil, every inbound request is answered with MethodNotFound.
func (p *Peer) Serve(d Dispatcher) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.disp = d
	return p
}

// Logger sets the logger used by p, and returns p to permit chaining.
func (p *Peer) Logger(log *zap.Logger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if log == nil {
		log = zap.NewNop()
	}
	p.log = log
	return p
}

// Metrics returns a metrics map for the peer. It is safe for the caller to add
// additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return p.stats().emap }

func (p *Peer) stats() *peerMetrics {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.metrics == nil {
		p.metrics = newPeerMetrics()
	}
	return p.metrics
}

// Stop closes the channel and terminates the peer. It blocks until the peer
// has exited and returns its status. After Stop completes it is safe to
// restart the peer with a new channel.
func (p *Peer) Stop() error { p.closeOut(); return p.Wait() }

// Close is a synonym for Stop. It satisfies the [Transport] interface.
func (p *Peer) Close() error { return p.Stop() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the peer was running.
func (p *Peer) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that cause it to stop.
// After Wait completes it is safe to restart the peer with a new channel.
//
// If p is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol failure.
func (p *Peer) Wait() error {
	if !p.waitTasks() {
		return nil // the peer is not running
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	p.ocall = nil
	p.icall = nil

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// RoundTrip sends req to the remote peer and blocks until ctx ends or the
// response is received. If ctx ends before the peer replies, the call is
// cancelled on the remote peer and RoundTrip reports the context error.
//
// An error from RoundTrip means the call did not complete; the response of a
// completed call may still report a failure of the call itself.
func (p *Peer) RoundTrip(ctx context.Context, req *Request) (_ *Response, err error) {
	pm := p.stats()
	pm.callOut.Add(1)
	defer func() {
		if err != nil {
			pm.callOutErr.Add(1)
		}
	}()

	id, pc, err := p.sendReq(req)
	if err != nil {
		return nil, err
	}
	pm.callPending.Add(1)
	defer pm.callPending.Add(-1)

	done := ctx.Done()
	for {
		select {
		case <-done:
			// The local context ended, push a cancellation to the peer, then
			// resume waiting for the response. Set done to nil so that we will
			// not recur on this case.
			p.sendCancel(id)
			done = nil

			// Set a watchdog timer to ensure the call eventually gives up, even
			// if we don't get a reply from the peer.
			ct := time.AfterFunc(50*time.Millisecond, func() {
				p.μ.Lock()
				defer p.μ.Unlock()

				// The call may have completed while we were waiting. If not, pin
				// the request ID so that a later call does not reuse it before
				// the peer yields it.
				if pc, ok := p.ocall[id]; ok {
					p.ocall[id] = nil
					pc.deliver(&ResponseFrame{RequestID: id, Status: StatusCanceled})
				}
			})
			defer ct.Stop()
			continue

		case rsp, ok := <-pc:
			if !ok {
				// Closed without a response means there was a protocol fatal error.
				p.μ.Lock()
				perr := p.err
				p.μ.Unlock()
				return nil, fmt.Errorf("call terminated: %w", perr)
			}
			switch rsp.Status {
			case StatusOK:
				return &rsp.Response, nil
			case StatusCanceled:
				if cerr := ctx.Err(); cerr != nil {
					return nil, cerr
				}
				return nil, context.Canceled
			default:
				return nil, fmt.Errorf("request %d: %w", id, errDuplicateID)
			}
		}
	}
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote peer, regardless of type, including packets to be
// discarded.
//
// Passing a nil callback disables packet logging. The packet logger is invoked
// synchronously with dispatch, prior to sending or dispatching a packet.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	return p
}

// OnExit registers a callback to be invoked when the peer terminates. The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext registers a function that will be called to create a new base
// context for inbound requests. This allows host resources to be plumbed into
// a handler. If it is not set a background context is used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if base == nil {
		p.base = context.Background
	} else {
		p.base = base
	}
	return p
}

// fail terminates all pending calls and updates the failure status.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()

	// Terminate all incomplete pending (outbound) calls.
	for _, pc := range p.ocall {
		pc.close()
	}
	p.ocall = nil

	// Terminate all incomplete active (inbound) calls.
	for _, stop := range p.icall {
		stop()
	}
	p.icall = nil

	p.err = err
	if !treatErrorAsSuccess(err) {
		p.log.Error("peer failed", zap.Error(err))
	}
	if p.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		p.onExit(err)
	}
}

func (p *Peer) sendRsp(rsp *ResponseFrame) {
	p.μ.Lock()
	delete(p.icall, rsp.RequestID)
	err := p.err
	p.μ.Unlock()

	if err != nil {
		return
	}
	if err := p.sendOut(&Packet{
		Type:    PacketResponse,
		Payload: rsp.Encode(),
	}); err != nil {
		p.closeOut()
	}
}

// sendReq sends a request packet. It blocks until the send completes, but
// does not wait for the reply. The response will be delivered on the
// returned pending channel.
func (p *Peer) sendReq(req *Request) (uint32, pending, error) {
	p.μ.Lock()
	if p.in == nil {
		p.μ.Unlock()
		return 0, nil, ErrNotStarted
	} else if err := p.err; err != nil {
		p.μ.Unlock()
		return 0, nil, err
	}
	p.nexto++
	id := p.nexto
	pc := make(pending, 1)
	p.ocall[id] = pc
	p.μ.Unlock()

	// We MUST NOT hold the state lock while sending, as that will block the
	// receiver from dispatching packets.
	err := p.sendOut(&Packet{
		Type:    PacketRequest,
		Payload: RequestFrame{RequestID: id, Request: *req}.Encode(),
	})

	p.μ.Lock()
	defer p.μ.Unlock()
	if err != nil {
		p.releaseIDLocked(id)
		return 0, nil, err
	}
	return id, pc, nil
}

// sendCancel sends a cancellation for id to the remote peer.
func (p *Peer) sendCancel(id uint32) {
	if err := p.sendOut(&Packet{
		Type:    PacketCancel,
		Payload: CancelFrame{RequestID: id}.Encode(),
	}); err != nil {
		p.closeOut() // protocol fatal
	}
}

// dispatchRequestLocked hands an inbound request to the dispatcher.
// It reports a duplicate request ID back to the caller.
func (p *Peer) dispatchRequestLocked(req *RequestFrame) error {
	p.metrics.callIn.Add(1)

	// Report duplicate request ID without failing the existing call.
	if _, ok := p.icall[req.RequestID]; ok {
		return p.sendOut(&Packet{
			Type:    PacketResponse,
			Payload: ResponseFrame{RequestID: req.RequestID, Status: StatusDuplicateID}.Encode(),
		})
	}

	disp := p.disp
	if disp == nil {
		disp = noDispatcher{}
	}

	pctx := context.WithValue(p.base(), peerContextKey{}, p)
	ctx, cancel := context.WithCancel(pctx)
	p.icall[req.RequestID] = cancel
	p.metrics.callActive.Add(1)

	p.tasks.Go(func() error {
		defer cancel()
		defer p.metrics.callActive.Add(-1)

		rsp := func() (rsp *Response) {
			// Ensure a panic out of the dispatcher is turned into a graceful response.
			defer func() {
				if x := recover(); x != nil {
					rsp = Failure(ErrorEnvelope{
						Kind:    HandlerInvocationFailure,
						Message: fmt.Sprintf("dispatch panicked (recovered): %v", x),
					})
				}
			}()
			return disp.Invoke(ctx, &req.Request)
		}()

		out := &ResponseFrame{RequestID: req.RequestID}
		if ctx.Err() != nil {
			// If the context terminated, treat this as a cancellation even if the
			// call succeeded. The caller has already given up on it.
			out.Status = StatusCanceled
		} else {
			out.Status = StatusOK
			out.Response = *WireResponse(rsp)
		}
		p.sendRsp(out)
		return nil
	})
	return nil
}

// dispatchPacket routes an inbound packet from the remote peer.
// Any error it reports is protocol fatal.
func (p *Peer) dispatchPacket(pkt *Packet) error {
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: false})
	}
	switch pkt.Type {
	case PacketRequest:
		var req RequestFrame
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		return p.dispatchRequestLocked(&req)

	case PacketCancel:
		var req CancelFrame
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		p.metrics.cancelIn.Add(1)
		p.μ.Lock()
		defer p.μ.Unlock()

		// If there is a dispatch in flight for this request, signal it to stop.
		// The dispatch wrapper will figure out how to reply and clean up.
		if stop, ok := p.icall[req.RequestID]; ok {
			stop()
		}
		return nil

	case PacketResponse:
		var rsp ResponseFrame
		if err := rsp.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()

		pc, ok := p.ocall[rsp.RequestID]
		if !ok {
			// Silently discard response for unknown request ID.
			return nil
		}
		p.releaseIDLocked(rsp.RequestID)
		pc.deliver(&rsp) // does not block

	default:
		p.metrics.packetDropped.Add(1)
		p.log.Debug("dropped packet", zap.Stringer("type", pkt.Type), zap.Int("size", len(pkt.Payload)))
	}
	return nil
}

// releaseIDLocked releases the call state for the specified outbound request id.
func (p *Peer) releaseIDLocked(id uint32) {
	delete(p.ocall, id)
	if len(p.ocall) == 0 {
		p.nexto = 0
	}
}

func (p *Peer) sendOut(pkt *Packet) error {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return ErrNotStarted
	}
	p.metrics.packetSent.Add(1)
	if p.plog != nil {
		p.plog(PacketInfo{Packet: pkt, Sent: true})
	}
	return p.out.ch.Send(pkt)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

type pending chan *ResponseFrame

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *ResponseFrame) {
	if p != nil {
		p <- r
		close(p)
	}
}

type noDispatcher struct{}

func (noDispatcher) Invoke(_ context.Context, req *Request) *Response {
	return Failure(ErrorEnvelope{
		Kind:    MethodNotFound,
		Message: fmt.Sprintf("method %q not found", req.Method),
		Detail:  "no dispatcher",
	})
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined. The context passed to a dispatcher by a peer has this
// value, so that a handler may call back to the remote peer.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
