// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"expvar"
	"strings"
)

// serviceMetrics record dispatch activity counters.
type serviceMetrics struct {
	callIn      expvar.Int // number of calls received
	callFailed  expvar.Int // number of calls reporting an error
	callActive  expvar.Int // gauge of calls in progress
	procExits   expvar.Int // number of module processes that exited while registered
	failureKind expvar.Map // failed calls by error kind

	emap *expvar.Map
}

// newServiceMetrics constructs metrics for a service dispatching to reg.
// The module and method gauges are read from reg when they are published.
func newServiceMetrics(reg *Registry) *serviceMetrics {
	sm := &serviceMetrics{emap: new(expvar.Map)}
	sm.emap.Set("calls_in", &sm.callIn)
	sm.emap.Set("calls_failed", &sm.callFailed)
	sm.emap.Set("calls_active", &sm.callActive)
	sm.emap.Set("modules", expvar.Func(func() any {
		n, _ := reg.Len()
		return int64(n)
	}))
	sm.emap.Set("methods", expvar.Func(func() any {
		_, n := reg.Len()
		return int64(n)
	}))
	sm.emap.Set("process_exits", &sm.procExits)
	sm.emap.Set("failures", &sm.failureKind)
	return sm
}

func (sm *serviceMetrics) failed(kind ErrorKind) {
	sm.callFailed.Add(1)
	sm.failureKind.Add(strings.ToLower(kind.String()), 1)
}

// peerMetrics record packet and call activity on a peer connection.
type peerMetrics struct {
	packetRecv    expvar.Int // packets received
	packetSent    expvar.Int // packets sent
	packetDropped expvar.Int // packets received and discarded
	callIn        expvar.Int // inbound requests received
	callActive    expvar.Int // gauge of inbound requests being serviced
	callOut       expvar.Int // outbound requests sent
	callOutErr    expvar.Int // outbound requests that failed in transit
	callPending   expvar.Int // gauge of outbound requests awaiting a reply
	cancelIn      expvar.Int // cancellations received

	emap *expvar.Map
}

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_dropped", &pm.packetDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("calls_pending", &pm.callPending)
	pm.emap.Set("cancels_in", &pm.cancelIn)
	return pm
}
