// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package jsonrpc

import "expvar"

// connMetrics record connection activity counters.
type metrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int
	callIn      expvar.Int // number of inbound calls received
	callInErr   expvar.Int // number of inbound calls reporting an error
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	cancelIn    expvar.Int // number of cancellations received
	callActive  expvar.Int // inbound
	callPending expvar.Int // outbound

	emap *expvar.Map
}

var connMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("messages_received", &m.msgRecv)
	m.emap.Set("messages_sent", &m.msgSent)
	m.emap.Set("messages_dropped", &m.msgDropped)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("cancels_in", &m.cancelIn)
	m.emap.Set("calls_pending", &m.callPending)
	return m
}
