package p4rt

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/code"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Manager is the controller manager (C2): the registry of active
// connections, the per-role arbitration state machine, and the packet-in
// fan-out path. All of its exported methods except NewConnection hold a
// single exclusive lock for their entire duration, per the concurrency
// model in spec.md §5.
type Manager struct {
	instanceID string

	mu            sync.Mutex
	deviceID      uint64
	deviceIDSet   bool
	connections   map[uint64]*Connection
	primaryByRole map[string]primaryEntry

	nextConnID uint64
}

// primaryEntry is the high-water mark for a role: the highest election id
// ever accepted, which is distinct from "no entry" (no primary ever existed).
type primaryEntry struct {
	electionID *p4_v1.Uint128
}

// NewManager creates an empty controller manager. device_id is adopted from
// the first successful arbitration, per spec.md §4.2.1.
func NewManager() *Manager {
	return &Manager{
		instanceID:    uuid.NewString(),
		connections:   make(map[uint64]*Connection),
		primaryByRole: make(map[string]primaryEntry),
	}
}

// NewConnection creates a fresh, uninitialized connection bound to stream.
// It is not yet part of the registry: it joins connections only on its
// first successful arbitration update (spec.md §3).
func (m *Manager) NewConnection(stream connStream) *Connection {
	id := atomic.AddUint64(&m.nextConnID, 1)
	return newConnection(id, stream)
}

// HandleArbitrationUpdate implements spec.md §4.2.1.
func (m *Manager) HandleArbitrationUpdate(update *p4_v1.MasterArbitrationUpdate, c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.deviceIDSet {
		m.deviceID = update.DeviceId
		m.deviceIDSet = true
	} else if update.DeviceId != m.deviceID {
		return status.Errorf(codes.FailedPrecondition,
			"arbitration request has device id %d, but this server represents device id %d",
			update.DeviceId, m.deviceID)
	}

	role := ""
	if r := update.GetRole(); r != nil {
		role = r.Name
	}
	electionID := update.GetElectionId()

	// No-op shortcut: re-sending identical arbitration data yields a
	// response and no registry change.
	if c.IsInitialized() && c.Role() == role && electionIDEqual(c.ElectionID(), electionID) {
		m.sendArbitrationResponseLocked(c)
		return nil
	}

	// Uniqueness check: a defined election id must not collide with any
	// other connection holding the same (role, election id) pair.
	if electionID != nil {
		for _, other := range m.connections {
			if other.id == c.id {
				continue
			}
			if other.Role() == role && electionIDEqual(other.ElectionID(), electionID) {
				return status.Error(codes.InvalidArgument,
					"election id is already in use by another connection with the same role")
			}
		}
	}

	if c.IsInitialized() {
		c.log.Infof("updating role=%q election_id=%v", role, electionID)
	} else {
		c.log.Infof("new connection role=%q election_id=%v", role, electionID)
	}
	c.setRole(role)
	c.setElectionID(electionID)
	if !c.IsInitialized() {
		c.initialize()
		m.connections[c.id] = c
	}

	if m.recomputePrimaryLocked(role) {
		m.broadcastArbitrationLocked(role)
	} else {
		m.sendArbitrationResponseLocked(c)
	}
	return nil
}

// recomputePrimaryLocked implements the primary-recomputation step of
// spec.md §4.2.1 step 6. It returns true iff the change needs to be
// broadcast to every connection with the role (rather than just the
// connection that triggered it).
func (m *Manager) recomputePrimaryLocked(role string) bool {
	var max *p4_v1.Uint128
	for _, conn := range m.connections {
		if conn.Role() != role {
			continue
		}
		max = maxElectionID(max, conn.ElectionID())
	}

	entry, hadEntry := m.primaryByRole[role]
	high := entry.electionID

	switch {
	case max != nil && (!hadEntry || electionIDGreater(max, high)):
		m.primaryByRole[role] = primaryEntry{electionID: max}
		return true
	case max != nil && hadEntry && electionIDEqual(max, high):
		// Old primary is reconnecting.
		return true
	case hadEntry && high != nil && (max == nil || electionIDGreater(high, max)):
		// Do not lower the high-water mark, but tell every holder that no
		// current primary exists.
		return true
	default:
		return false
	}
}

// Disconnect implements spec.md §4.2.3.
func (m *Manager) Disconnect(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !c.IsInitialized() {
		return
	}
	delete(m.connections, c.id)
	c.log.Infof("dropping connection role=%q election_id=%v", c.Role(), c.ElectionID())

	entry, ok := m.primaryByRole[c.Role()]
	if ok && electionIDEqual(c.ElectionID(), entry.electionID) {
		m.broadcastArbitrationLocked(c.Role())
	}
}

// AllowRequest implements spec.md §4.2.4.
func (m *Manager) AllowRequest(role string, electionID *p4_v1.Uint128) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowRequestLocked(role, electionID)
}

func (m *Manager) allowRequestLocked(role string, electionID *p4_v1.Uint128) error {
	if electionID == nil {
		return status.Error(codes.PermissionDenied, "request does not carry an election id")
	}
	entry, ok := m.primaryByRole[role]
	if !ok {
		return status.Error(codes.PermissionDenied,
			"only the primary connection may issue requests, but no primary connection has been established for this role")
	}
	if !electionIDEqual(electionID, entry.electionID) {
		return status.Error(codes.PermissionDenied, "only the primary connection may issue requests")
	}
	return nil
}

// primaryExistsLocked reports whether role currently has a live primary
// connection (as opposed to merely a retained high-water mark).
func (m *Manager) primaryExistsLocked(role string) bool {
	entry, ok := m.primaryByRole[role]
	if !ok || entry.electionID == nil {
		return false
	}
	for _, conn := range m.connections {
		if conn.Role() == role && electionIDEqual(conn.ElectionID(), entry.electionID) {
			return true
		}
	}
	return false
}

// sendArbitrationResponseLocked builds and sends the arbitration response
// for c, per spec.md §4.2.2.
func (m *Manager) sendArbitrationResponseLocked(c *Connection) {
	entry := m.primaryByRole[c.Role()]

	resp := &p4_v1.MasterArbitrationUpdate{
		DeviceId:   m.deviceID,
		ElectionId: entry.electionID,
	}
	if c.Role() != "" {
		resp.Role = &p4_v1.Role{Name: c.Role()}
	}

	st := &rpcstatus.Status{}
	switch {
	case m.primaryExistsLocked(c.Role()) && electionIDEqual(c.ElectionID(), entry.electionID):
		st.Code = int32(code.Code_OK)
		st.Message = "you are the primary connection"
	case m.primaryExistsLocked(c.Role()):
		st.Code = int32(code.Code_ALREADY_EXISTS)
		st.Message = "you are a backup connection, and a primary connection exists"
	default:
		st.Code = int32(code.Code_NOT_FOUND)
		st.Message = "you are a backup connection, and NO primary connection exists"
	}
	resp.Status = st

	c.send(&p4_v1.StreamMessageResponse{
		Update: &p4_v1.StreamMessageResponse_Arbitration{Arbitration: resp},
	})
}

func (m *Manager) broadcastArbitrationLocked(role string) {
	for _, conn := range m.connections {
		if conn.Role() == role {
			m.sendArbitrationResponseLocked(conn)
		}
	}
}

// SendStreamMessageToPrimary implements C5 (spec.md §4.5): it delivers
// response to the current primary of role, returning false (and dropping
// the message) if no current primary exists.
func (m *Manager) SendStreamMessageToPrimary(role string, response *p4_v1.StreamMessageResponse) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.primaryByRole[role]
	if !ok || entry.electionID == nil {
		return false
	}
	for _, conn := range m.connections {
		if conn.Role() == role && electionIDEqual(conn.ElectionID(), entry.electionID) {
			conn.send(response)
			return true
		}
	}
	log.WithField("manager", m.instanceID).Warnf(
		"high-water mark set for role %q but no connection holds it", role)
	return false
}

// DeviceID returns the device id adopted at first arbitration, and whether
// one has been adopted yet.
func (m *Manager) DeviceID() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID, m.deviceIDSet
}
