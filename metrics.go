package webserv

import "sync/atomic"

// Metrics tracks operational counters for a running server. All fields are
// updated atomically and may be read from any goroutine.
type Metrics struct {
	AcceptedConns    atomic.Uint64 // connections accepted
	ClosedConns      atomic.Uint64 // connections fully closed
	Requests         atomic.Uint64 // requests parsed into a response
	ResponsesOK      atomic.Uint64 // 2xx responses built
	ResponsesErr     atomic.Uint64 // 4xx responses built
	BytesRead        atomic.Uint64 // payload bytes read from sockets
	BytesWritten     atomic.Uint64 // payload bytes written to sockets
	IdleExpired      atomic.Uint64 // connections closed by the idle timer
	OverloadRejected atomic.Uint64 // accepts refused at the user cap
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	AcceptedConns    uint64
	ClosedConns      uint64
	Requests         uint64
	ResponsesOK      uint64
	ResponsesErr     uint64
	BytesRead        uint64
	BytesWritten     uint64
	IdleExpired      uint64
	OverloadRejected uint64
}

// Snapshot returns a consistent-enough copy for reporting.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		AcceptedConns:    m.AcceptedConns.Load(),
		ClosedConns:      m.ClosedConns.Load(),
		Requests:         m.Requests.Load(),
		ResponsesOK:      m.ResponsesOK.Load(),
		ResponsesErr:     m.ResponsesErr.Load(),
		BytesRead:        m.BytesRead.Load(),
		BytesWritten:     m.BytesWritten.Load(),
		IdleExpired:      m.IdleExpired.Load(),
		OverloadRejected: m.OverloadRejected.Load(),
	}
}
