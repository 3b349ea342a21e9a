package p4rt

import (
	"context"

	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
)

// SwitchProvider is the abstract capability set the dispatcher invokes (C4,
// spec.md §4.4 / §6.3). It is injected at construction time; the core never
// depends on a concrete implementation.
//
// Implementations are responsible for their own thread-safety: every method
// may be called concurrently and may block.
type SwitchProvider interface {
	// WriteForwardingEntries applies request.Updates and returns one status
	// per update, in order.
	WriteForwardingEntries(ctx context.Context, request *p4_v1.WriteRequest) ([]error, error)

	// ReadForwardingEntries streams matching entities to send and returns
	// once the read completes or fails.
	ReadForwardingEntries(ctx context.Context, request *p4_v1.ReadRequest, send func(*p4_v1.ReadResponse) error) error

	// HandleStreamMessageRequest processes a packet-out, digest-ack, or
	// other non-arbitration stream message already known to come from the
	// primary connection of its role.
	HandleStreamMessageRequest(ctx context.Context, deviceID uint64, request *p4_v1.StreamMessageRequest) error

	VerifyForwardingPipelineConfig(ctx context.Context, deviceID uint64, config *p4_v1.ForwardingPipelineConfig) error
	SaveForwardingPipelineConfig(ctx context.Context, deviceID uint64, config *p4_v1.ForwardingPipelineConfig) error
	CommitForwardingPipelineConfig(ctx context.Context, deviceID uint64) error
	ReconcileAndCommitForwardingPipelineConfig(ctx context.Context, deviceID uint64, config *p4_v1.ForwardingPipelineConfig) error
	GetForwardingPipelineConfig(ctx context.Context, deviceID uint64) (*p4_v1.ForwardingPipelineConfig, error)

	// AttachControllerManager is called once at construction so the
	// provider may emit packet-ins upward via manager.SendStreamMessageToPrimary.
	AttachControllerManager(manager *Manager)
}
