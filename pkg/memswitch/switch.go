// Package memswitch is a reference, in-memory SwitchProvider: it has no
// real data plane, but it tracks exactly the state a real one would expose
// through P4Runtime — a forwarding pipeline config and a table of entries —
// so the arbitration engine can be exercised end to end without a switch.
package memswitch

import (
	"context"
	"fmt"
	"sync"
	"time"

	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/donNewtonAlpha/p4rt-standalone/pkg/p4rt"
)

// digestConfig is the fixed digest delivery policy this provider enables
// for every digest it is asked to track.
var digestConfig = p4_v1.DigestEntry_Config{
	MaxTimeoutNs: 0,
	MaxListSize:  1,
	AckTimeoutNs: time.Second.Nanoseconds() * 1000,
}

// Switch is an in-memory stand-in for a programmable forwarding device. Its
// id is the one given to New and is used only for logging; it is not
// compared with the device_id the controller manager adopts. Its entries
// are the seed entries plus whatever the primary controller has written.
type Switch struct {
	id  uint64
	log *log.Entry

	mu       sync.Mutex
	config   *p4_v1.ForwardingPipelineConfig
	verified *p4_v1.ForwardingPipelineConfig // staged by VERIFY_AND_SAVE, applied on COMMIT
	entries  map[string]*p4_v1.Entity
	digests  map[uint32]bool // digest ids currently enabled

	manager *p4rt.Manager
}

// New creates a Switch representing device id. seed pre-populates the
// entry table, e.g. from a bootstrap Config loaded at startup.
func New(id uint64, seed []*p4_v1.Entity) *Switch {
	sw := &Switch{
		id:      id,
		log:     log.WithField("device_id", id),
		entries: make(map[string]*p4_v1.Entity),
		digests: make(map[uint32]bool),
	}
	for _, e := range seed {
		sw.entries[entityKey(e)] = e
	}
	return sw
}

// AttachControllerManager implements p4rt.SwitchProvider.
func (sw *Switch) AttachControllerManager(manager *p4rt.Manager) {
	sw.manager = manager
}

// WriteForwardingEntries implements p4rt.SwitchProvider, applying updates
// in order against the in-memory table and returning one status per update.
func (sw *Switch) WriteForwardingEntries(ctx context.Context, req *p4_v1.WriteRequest) ([]error, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	results := make([]error, len(req.Updates))
	for i, u := range req.Updates {
		results[i] = sw.applyUpdateLocked(u)
	}
	return results, nil
}

func (sw *Switch) applyUpdateLocked(u *p4_v1.Update) error {
	if u.Entity == nil {
		return status.Error(codes.InvalidArgument, "update carries no entity")
	}
	key := entityKey(u.Entity)
	switch u.Type {
	case p4_v1.Update_INSERT:
		if _, exists := sw.entries[key]; exists {
			return status.Error(codes.AlreadyExists, "entity already exists")
		}
		sw.entries[key] = u.Entity
	case p4_v1.Update_MODIFY:
		if _, exists := sw.entries[key]; !exists {
			return status.Error(codes.NotFound, "entity does not exist")
		}
		sw.entries[key] = u.Entity
	case p4_v1.Update_DELETE:
		if _, exists := sw.entries[key]; !exists {
			return status.Error(codes.NotFound, "entity does not exist")
		}
		delete(sw.entries, key)
	default:
		return status.Errorf(codes.InvalidArgument, "unspecified update type")
	}
	return nil
}

// ReadForwardingEntries implements p4rt.SwitchProvider.
func (sw *Switch) ReadForwardingEntries(ctx context.Context, req *p4_v1.ReadRequest, send func(*p4_v1.ReadResponse) error) error {
	sw.mu.Lock()
	var matches []*p4_v1.Entity
	for _, target := range req.Entities {
		for _, e := range sw.entries {
			if matchesReadTarget(e, target) {
				matches = append(matches, e)
			}
		}
	}
	sw.mu.Unlock()

	const chunkSize = 256
	for i := 0; i < len(matches); i += chunkSize {
		end := i + chunkSize
		if end > len(matches) {
			end = len(matches)
		}
		if err := send(&p4_v1.ReadResponse{Entities: matches[i:end]}); err != nil {
			return err
		}
	}
	return nil
}

// VerifyForwardingPipelineConfig implements p4rt.SwitchProvider. This
// reference provider accepts any config carrying a P4Info.
func (sw *Switch) VerifyForwardingPipelineConfig(ctx context.Context, deviceID uint64, config *p4_v1.ForwardingPipelineConfig) error {
	if config == nil || config.P4Info == nil {
		return status.Error(codes.InvalidArgument, "config must carry a P4Info")
	}
	sw.mu.Lock()
	sw.verified = config
	sw.mu.Unlock()
	return nil
}

// SaveForwardingPipelineConfig implements p4rt.SwitchProvider: VERIFY_AND_SAVE
// stages the config without making it live.
func (sw *Switch) SaveForwardingPipelineConfig(ctx context.Context, deviceID uint64, config *p4_v1.ForwardingPipelineConfig) error {
	sw.mu.Lock()
	sw.verified = config
	sw.mu.Unlock()
	return nil
}

// CommitForwardingPipelineConfig implements p4rt.SwitchProvider: makes the
// most recently verified/saved config live.
func (sw *Switch) CommitForwardingPipelineConfig(ctx context.Context, deviceID uint64) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.verified == nil {
		return status.Error(codes.FailedPrecondition, "no forwarding pipeline config has been verified")
	}
	sw.config = sw.verified
	sw.log.Info("forwarding pipeline config committed")
	return nil
}

// ReconcileAndCommitForwardingPipelineConfig implements p4rt.SwitchProvider.
// This reference provider has no reconciliation state of its own to
// preserve, so reconcile degenerates to verify-then-commit.
func (sw *Switch) ReconcileAndCommitForwardingPipelineConfig(ctx context.Context, deviceID uint64, config *p4_v1.ForwardingPipelineConfig) error {
	if err := sw.VerifyForwardingPipelineConfig(ctx, deviceID, config); err != nil {
		return err
	}
	return sw.CommitForwardingPipelineConfig(ctx, deviceID)
}

// GetForwardingPipelineConfig implements p4rt.SwitchProvider.
func (sw *Switch) GetForwardingPipelineConfig(ctx context.Context, deviceID uint64) (*p4_v1.ForwardingPipelineConfig, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.config, nil
}

// HandleStreamMessageRequest implements p4rt.SwitchProvider: it logs
// packet-outs and acknowledges digest-acks. This provider never emits
// digests or packet-ins of its own; SendTestPacketIn exists for tests that
// need to exercise the fan-out path.
func (sw *Switch) HandleStreamMessageRequest(ctx context.Context, deviceID uint64, req *p4_v1.StreamMessageRequest) error {
	switch {
	case req.GetPacket() != nil:
		sw.logPacketOut(req.GetPacket())
		return nil
	case req.GetDigestAck() != nil:
		sw.log.Tracef("digest ack for digest_id %d, list_id %d",
			req.GetDigestAck().DigestId, req.GetDigestAck().ListId)
		return nil
	default:
		return status.Error(codes.Unimplemented, "unsupported stream message")
	}
}

// SendTestPacketIn fans a synthetic packet-in out to the primary
// controller of role, via the manager attached at construction. It exists
// so tests (and operators poking at a running server) can exercise C5
// without a real data plane generating traffic.
func (sw *Switch) SendTestPacketIn(role string, payload []byte) bool {
	if sw.manager == nil {
		return false
	}
	return sw.manager.SendStreamMessageToPrimary(role, &p4_v1.StreamMessageResponse{
		Update: &p4_v1.StreamMessageResponse_Packet{
			Packet: &p4_v1.PacketIn{Payload: payload},
		},
	})
}

// EnableDigest marks digestID as delivering, mirroring the teacher's fixed
// digest config policy (spec.md's reference provider has no per-digest
// tuning knobs).
func (sw *Switch) EnableDigest(digestID uint32) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.digests[digestID] = true
	sw.log.Debugf("enabled digest_id %d (config: %+v)", digestID, &digestConfig)
}

// logPacketOut traces a packet-out assuming an Ethernet/IPv4 header at the
// start of the payload, the way the teacher's digest handler decodes fixed
// P4 header fields for logging. A payload shorter than an Ethernet header
// plus a 20-byte IPv4 header just logs its length; any longer payload is
// decoded as IPv4, since this provider does not parse EtherType.
func (sw *Switch) logPacketOut(p *p4_v1.PacketOut) {
	const ethHeaderLen = 14
	if len(p.Payload) < ethHeaderLen+20 {
		sw.log.Debugf("packet-out, %d bytes", len(p.Payload))
		return
	}
	ipHeader := p.Payload[ethHeaderLen:]
	src := ipv4FromBitstring(ipHeader[12:16])
	dst := ipv4FromBitstring(ipHeader[16:20])
	totalLen := uint16FromBitstring(ipHeader[2:4])
	sw.log.Debugf("packet-out %s -> %s, ip_total_len %d", src, dst, totalLen)
}

func (sw *Switch) String() string {
	return fmt.Sprintf("memswitch(device_id=%d)", sw.id)
}
