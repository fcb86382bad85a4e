package rpc

import "sync/atomic"

// Stats is a point-in-time view of an endpoint's counters.
type Stats struct {
	CallsOut       uint64 `json:"calls_out"`
	CallsIn        uint64 `json:"calls_in"`
	InboundActive  int64  `json:"inbound_active"`
	Duplicates     uint64 `json:"duplicates"`
	Resends        uint64 `json:"resends"`
	Abandoned      uint64 `json:"abandoned"`
	AcksSent       uint64 `json:"acks_sent"`
	ProtocolErrors uint64 `json:"protocol_errors"`
	LoopsOpened    uint64 `json:"loops_opened"`
	LoopsOpen      int    `json:"loops_open"`
	CacheHits      uint64 `json:"cache_hits"`
}

type counters struct {
	callsOut       atomic.Uint64
	callsIn        atomic.Uint64
	duplicates     atomic.Uint64
	resends        atomic.Uint64
	abandoned      atomic.Uint64
	acksSent       atomic.Uint64
	protocolErrors atomic.Uint64
	loopsOpened    atomic.Uint64
	cacheHits      atomic.Uint64
}

func (ep *Endpoint) Stats() Stats {
	return Stats{
		CallsOut:       ep.stats.callsOut.Load(),
		CallsIn:        ep.stats.callsIn.Load(),
		InboundActive:  ep.inbound.Load(),
		Duplicates:     ep.stats.duplicates.Load(),
		Resends:        ep.stats.resends.Load(),
		Abandoned:      ep.stats.abandoned.Load(),
		AcksSent:       ep.stats.acksSent.Load(),
		ProtocolErrors: ep.stats.protocolErrors.Load(),
		LoopsOpened:    ep.stats.loopsOpened.Load(),
		LoopsOpen:      ep.loops.open(),
		CacheHits:      ep.stats.cacheHits.Load(),
	}
}
