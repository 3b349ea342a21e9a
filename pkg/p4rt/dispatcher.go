package p4rt

import (
	"context"
	"fmt"
	"io"
	"strings"

	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// p4RuntimeAPIVersion is returned from the Capabilities RPC.
const p4RuntimeAPIVersion = "1.3.0"

// Server implements the five P4Runtime RPCs (C3): it gates every
// data-plane-mutating request through Manager and delegates approved calls
// to a SwitchProvider.
type Server struct {
	p4_v1.UnimplementedP4RuntimeServer

	manager  *Manager
	provider SwitchProvider
}

// NewServer builds a dispatcher around manager and provider, attaching the
// manager to the provider so it may emit packet-ins upward (§4.4 item 9).
func NewServer(manager *Manager, provider SwitchProvider) *Server {
	provider.AttachControllerManager(manager)
	return &Server{manager: manager, provider: provider}
}

// Capabilities returns the server's P4Runtime API version.
func (s *Server) Capabilities(ctx context.Context, req *p4_v1.CapabilitiesRequest) (*p4_v1.CapabilitiesResponse, error) {
	return &p4_v1.CapabilitiesResponse{P4RuntimeApiVersion: p4RuntimeAPIVersion}, nil
}

// Write implements spec.md §4.3.
func (s *Server) Write(ctx context.Context, req *p4_v1.WriteRequest) (*p4_v1.WriteResponse, error) {
	if err := s.manager.AllowRequest(req.Role, req.ElectionId); err != nil {
		return nil, err
	}
	if req.DeviceId == 0 {
		return nil, status.Error(codes.InvalidArgument, "device_id must not be 0")
	}
	if len(req.Updates) == 0 {
		return &p4_v1.WriteResponse{}, nil
	}

	results, err := s.provider.WriteForwardingEntries(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(results) != len(req.Updates) {
		return nil, status.Errorf(codes.Internal,
			"switch provider returned %d statuses for %d updates", len(results), len(req.Updates))
	}

	var failures []string
	aggregateCode := codes.OK
	for i, r := range results {
		if r == nil {
			continue
		}
		failures = append(failures, fmt.Sprintf("update %d: %v", i, r))
		st, _ := status.FromError(r)
		if aggregateCode == codes.OK {
			aggregateCode = st.Code()
		} else if aggregateCode != st.Code() {
			aggregateCode = codes.Unknown
		}
	}
	if len(failures) > 0 {
		return nil, status.Error(aggregateCode,
			"one or more updates failed:\n"+strings.Join(failures, "\n"))
	}
	return &p4_v1.WriteResponse{}, nil
}

// Read implements spec.md §4.3.
func (s *Server) Read(req *p4_v1.ReadRequest, stream p4_v1.P4Runtime_ReadServer) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "read request must not be nil")
	}
	if stream == nil {
		return status.Error(codes.InvalidArgument, "read response writer must not be nil")
	}
	if len(req.Entities) == 0 {
		return nil
	}
	if req.DeviceId == 0 {
		return status.Error(codes.InvalidArgument, "device_id must not be 0")
	}
	return s.provider.ReadForwardingEntries(stream.Context(), req, stream.Send)
}

// SetForwardingPipelineConfig implements spec.md §4.3.
func (s *Server) SetForwardingPipelineConfig(ctx context.Context, req *p4_v1.SetForwardingPipelineConfigRequest) (*p4_v1.SetForwardingPipelineConfigResponse, error) {
	if req.DeviceId == 0 {
		return nil, status.Error(codes.InvalidArgument, "device_id must not be 0")
	}
	if err := s.manager.AllowRequest(req.Role, req.ElectionId); err != nil {
		return nil, err
	}

	var err error
	switch req.Action {
	case p4_v1.SetForwardingPipelineConfigRequest_UNSPECIFIED:
		return nil, status.Error(codes.Unknown, "action is unspecified")
	case p4_v1.SetForwardingPipelineConfigRequest_VERIFY:
		err = s.provider.VerifyForwardingPipelineConfig(ctx, req.DeviceId, req.Config)
	case p4_v1.SetForwardingPipelineConfigRequest_VERIFY_AND_SAVE:
		if err = s.provider.VerifyForwardingPipelineConfig(ctx, req.DeviceId, req.Config); err == nil {
			err = s.provider.SaveForwardingPipelineConfig(ctx, req.DeviceId, req.Config)
		}
	case p4_v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT:
		if err = s.provider.VerifyForwardingPipelineConfig(ctx, req.DeviceId, req.Config); err == nil {
			err = s.provider.CommitForwardingPipelineConfig(ctx, req.DeviceId)
		}
	case p4_v1.SetForwardingPipelineConfigRequest_COMMIT:
		err = s.provider.CommitForwardingPipelineConfig(ctx, req.DeviceId)
	case p4_v1.SetForwardingPipelineConfigRequest_RECONCILE_AND_COMMIT:
		err = s.provider.ReconcileAndCommitForwardingPipelineConfig(ctx, req.DeviceId, req.Config)
	default:
		return nil, status.Errorf(codes.Unimplemented, "unsupported action %v", req.Action)
	}
	if err != nil {
		return nil, err
	}
	return &p4_v1.SetForwardingPipelineConfigResponse{}, nil
}

// GetForwardingPipelineConfig implements spec.md §4.3.
func (s *Server) GetForwardingPipelineConfig(ctx context.Context, req *p4_v1.GetForwardingPipelineConfigRequest) (*p4_v1.GetForwardingPipelineConfigResponse, error) {
	config, err := s.provider.GetForwardingPipelineConfig(ctx, req.DeviceId)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return &p4_v1.GetForwardingPipelineConfigResponse{}, nil
	}

	projected := &p4_v1.ForwardingPipelineConfig{}
	switch req.ResponseType {
	case p4_v1.GetForwardingPipelineConfigRequest_ALL:
		projected = config
	case p4_v1.GetForwardingPipelineConfigRequest_COOKIE_ONLY:
		projected.Cookie = config.Cookie
	case p4_v1.GetForwardingPipelineConfigRequest_P4INFO_AND_COOKIE:
		projected.P4Info = config.P4Info
		projected.Cookie = config.Cookie
	case p4_v1.GetForwardingPipelineConfigRequest_DEVICE_CONFIG_AND_COOKIE:
		projected.P4DeviceConfig = config.P4DeviceConfig
		projected.Cookie = config.Cookie
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unsupported response type %v", req.ResponseType)
	}
	return &p4_v1.GetForwardingPipelineConfigResponse{Config: projected}, nil
}

// StreamChannel implements the per-connection loop of spec.md §5: it reads
// arbitration updates, packet-outs, digest-acks, and other messages until
// the stream closes, and unconditionally triggers disconnect on exit.
func (s *Server) StreamChannel(stream p4_v1.P4Runtime_StreamChannelServer) error {
	conn := s.manager.NewConnection(stream)
	defer s.manager.Disconnect(conn)

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if arb := req.GetArbitration(); arb != nil {
			if err := s.manager.HandleArbitrationUpdate(arb, conn); err != nil {
				log.Warnf("arbitration update rejected: %v", err)
				if status.Code(err) == codes.FailedPrecondition {
					// A device_id mismatch rejects this message only; the
					// connection and stream survive (spec.md §9 open
					// question 2).
					conn.send(errorStreamResponse(err, nil))
					continue
				}
				return err
			}
			continue
		}

		// All non-arbitration stream messages are gated by primary status
		// (spec.md §9 open question 3, resolved as "yes"). A stream message
		// carrying none of the known oneof variants is silently ignored,
		// matching the original's switch-on-update_case (it never reaches
		// an AllowRequest check for a case it doesn't recognize).
		if req.GetPacket() == nil && req.GetDigestAck() == nil && req.GetOther() == nil {
			continue
		}
		if err := s.manager.AllowRequest(conn.Role(), conn.ElectionID()); err != nil {
			conn.send(permissionDeniedStreamError(req))
			continue
		}
		deviceID, _ := s.manager.DeviceID()
		if err := s.provider.HandleStreamMessageRequest(stream.Context(), deviceID, req); err != nil {
			s.manager.SendStreamMessageToPrimary(conn.Role(), errorStreamResponse(err, req.GetPacket()))
		}
	}
}

// permissionDeniedStreamError builds the in-band error response sent to a
// non-primary connection that attempted a packet-out (spec.md §6.1).
func permissionDeniedStreamError(req *p4_v1.StreamMessageRequest) *p4_v1.StreamMessageResponse {
	return errorStreamResponse(
		status.Error(codes.PermissionDenied, "only the primary connection may send this message"),
		req.GetPacket())
}

// errorStreamResponse wraps err (and, for packet-outs, the offending
// packet) into a StreamMessageResponse.error, per spec.md §6.1/§7.
func errorStreamResponse(err error, packet *p4_v1.PacketOut) *p4_v1.StreamMessageResponse {
	st, ok := status.FromError(err)
	canonical := int32(code.Code_UNKNOWN)
	msg := err.Error()
	if ok {
		canonical = int32(st.Code())
		msg = st.Message()
	}
	streamErr := &p4_v1.StreamError{
		CanonicalCode: canonical,
		Message:       msg,
	}
	if packet != nil {
		streamErr.Details = &p4_v1.StreamError_PacketOut{
			PacketOut: &p4_v1.PacketOutError{PacketOut: packet},
		}
	}
	return &p4_v1.StreamMessageResponse{
		Update: &p4_v1.StreamMessageResponse_Error{Error: streamErr},
	}
}
