package p4rt

import (
	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
	log "github.com/sirupsen/logrus"
)

// connStream is the narrow send-side of a P4Runtime StreamChannel that the
// arbitration engine needs. It is satisfied by p4_v1.P4Runtime_StreamChannelServer
// and, in tests, by a hand-rolled fake.
type connStream interface {
	Send(*p4_v1.StreamMessageResponse) error
}

// Connection is the per-stream state the manager tracks for one controller
// (C1). A Connection is created when a StreamChannel RPC is opened and is
// mutated only by Manager while holding its lock.
type Connection struct {
	id     uint64
	stream connStream
	log    *log.Entry

	role        string
	electionID  *p4_v1.Uint128
	initialized bool
}

func newConnection(id uint64, stream connStream) *Connection {
	return &Connection{
		id:     id,
		stream: stream,
		log:    log.WithField("conn", id),
	}
}

// ID returns the connection's process-lifetime-unique identifier.
func (c *Connection) ID() uint64 { return c.id }

// Role returns the connection's current role name ("" is the default/root role).
func (c *Connection) Role() string { return c.role }

// ElectionID returns the connection's current election id, or nil if the
// connection declared itself a backup.
func (c *Connection) ElectionID() *p4_v1.Uint128 { return c.electionID }

// IsInitialized reports whether a valid arbitration message has ever been
// processed for this connection.
func (c *Connection) IsInitialized() bool { return c.initialized }

func (c *Connection) setRole(role string)            { c.role = role }
func (c *Connection) setElectionID(id *p4_v1.Uint128) { c.electionID = id }
func (c *Connection) initialize()                     { c.initialized = true }

// send writes a response to the underlying stream. Failure is logged and
// swallowed: the read side of the stream will observe the broken connection
// and trigger disconnect, so send must never mutate manager state.
func (c *Connection) send(resp *p4_v1.StreamMessageResponse) {
	if err := c.stream.Send(resp); err != nil {
		c.log.Warnf("failed to send stream message: %v", err)
	}
}
