package p4rt

import (
	"context"
	"errors"
	"io"
	"testing"

	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeProvider is a hand-rolled SwitchProvider whose behavior each test
// configures through its function fields, in the teacher's fake-client
// style.
type fakeProvider struct {
	manager *Manager

	writeFn  func(ctx context.Context, req *p4_v1.WriteRequest) ([]error, error)
	readFn   func(ctx context.Context, req *p4_v1.ReadRequest, send func(*p4_v1.ReadResponse) error) error
	streamFn func(ctx context.Context, deviceID uint64, req *p4_v1.StreamMessageRequest) error

	getConfig *p4_v1.ForwardingPipelineConfig
	verifyErr error
	commitErr error
}

func (f *fakeProvider) AttachControllerManager(m *Manager) { f.manager = m }

func (f *fakeProvider) WriteForwardingEntries(ctx context.Context, req *p4_v1.WriteRequest) ([]error, error) {
	if f.writeFn != nil {
		return f.writeFn(ctx, req)
	}
	return make([]error, len(req.Updates)), nil
}

func (f *fakeProvider) ReadForwardingEntries(ctx context.Context, req *p4_v1.ReadRequest, send func(*p4_v1.ReadResponse) error) error {
	if f.readFn != nil {
		return f.readFn(ctx, req, send)
	}
	return nil
}

func (f *fakeProvider) HandleStreamMessageRequest(ctx context.Context, deviceID uint64, req *p4_v1.StreamMessageRequest) error {
	if f.streamFn != nil {
		return f.streamFn(ctx, deviceID, req)
	}
	return nil
}

func (f *fakeProvider) VerifyForwardingPipelineConfig(ctx context.Context, deviceID uint64, config *p4_v1.ForwardingPipelineConfig) error {
	return f.verifyErr
}
func (f *fakeProvider) SaveForwardingPipelineConfig(ctx context.Context, deviceID uint64, config *p4_v1.ForwardingPipelineConfig) error {
	return nil
}
func (f *fakeProvider) CommitForwardingPipelineConfig(ctx context.Context, deviceID uint64) error {
	return f.commitErr
}
func (f *fakeProvider) ReconcileAndCommitForwardingPipelineConfig(ctx context.Context, deviceID uint64, config *p4_v1.ForwardingPipelineConfig) error {
	return nil
}
func (f *fakeProvider) GetForwardingPipelineConfig(ctx context.Context, deviceID uint64) (*p4_v1.ForwardingPipelineConfig, error) {
	return f.getConfig, nil
}

// fakeReadServer is a minimal fake of p4_v1.P4Runtime_ReadServer: only Send
// and Context are exercised by the dispatcher.
type fakeReadServer struct {
	p4_v1.P4Runtime_ReadServer
	sent []*p4_v1.ReadResponse
}

func (f *fakeReadServer) Send(resp *p4_v1.ReadResponse) error {
	f.sent = append(f.sent, resp)
	return nil
}
func (f *fakeReadServer) Context() context.Context { return context.Background() }

// fakeStreamChannelServer is a minimal fake of
// p4_v1.P4Runtime_StreamChannelServer: it replays a canned sequence of
// requests, then io.EOF, and records every response sent.
type fakeStreamChannelServer struct {
	p4_v1.P4Runtime_StreamChannelServer
	reqs []*p4_v1.StreamMessageRequest
	pos  int
	sent []*p4_v1.StreamMessageResponse
}

func (f *fakeStreamChannelServer) Recv() (*p4_v1.StreamMessageRequest, error) {
	if f.pos >= len(f.reqs) {
		return nil, io.EOF
	}
	req := f.reqs[f.pos]
	f.pos++
	return req, nil
}

func (f *fakeStreamChannelServer) Send(resp *p4_v1.StreamMessageResponse) error {
	f.sent = append(f.sent, resp)
	return nil
}

func (f *fakeStreamChannelServer) Context() context.Context { return context.Background() }

func withElectionID(req *p4_v1.WriteRequest, role string, id *p4_v1.Uint128) *p4_v1.WriteRequest {
	req.Role = role
	req.ElectionId = id
	return req
}

func newTestServer() (*Server, *Manager, *fakeProvider) {
	manager := NewManager()
	provider := &fakeProvider{}
	server := NewServer(manager, provider)
	return server, manager, provider
}

func establishPrimary(t *testing.T, manager *Manager, deviceID uint64, role string, electionID *p4_v1.Uint128) *fakeStream {
	t.Helper()
	stream := &fakeStream{}
	conn := manager.NewConnection(stream)
	require.NoError(t, manager.HandleArbitrationUpdate(arbitrate(deviceID, role, electionID), conn))
	return stream
}

func TestCapabilities(t *testing.T) {
	server, _, _ := newTestServer()
	resp, err := server.Capabilities(context.Background(), &p4_v1.CapabilitiesRequest{})
	require.NoError(t, err)
	assert.Equal(t, p4RuntimeAPIVersion, resp.P4RuntimeApiVersion)
}

func TestWriteRejectsNonPrimary(t *testing.T) {
	server, _, _ := newTestServer()
	_, err := server.Write(context.Background(), withElectionID(&p4_v1.WriteRequest{DeviceId: 1}, "", eid(1)))
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, st.Code())
}

func TestWriteRejectsZeroDeviceID(t *testing.T) {
	server, manager, _ := newTestServer()
	establishPrimary(t, manager, 0, "", eid(1))
	_, err := server.Write(context.Background(), withElectionID(&p4_v1.WriteRequest{DeviceId: 0}, "", eid(1)))
	st, _ := status.FromError(err)
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestWriteAggregatesUniformFailureCode(t *testing.T) {
	server, manager, provider := newTestServer()
	establishPrimary(t, manager, 1, "", eid(1))
	provider.writeFn = func(ctx context.Context, req *p4_v1.WriteRequest) ([]error, error) {
		return []error{
			status.Error(codes.NotFound, "missing"),
			status.Error(codes.NotFound, "also missing"),
		}, nil
	}
	req := withElectionID(&p4_v1.WriteRequest{
		DeviceId: 1,
		Updates:  []*p4_v1.Update{{}, {}},
	}, "", eid(1))
	_, err := server.Write(context.Background(), req)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
}

func TestWriteAggregatesMixedFailureCodesAsUnknown(t *testing.T) {
	server, manager, provider := newTestServer()
	establishPrimary(t, manager, 1, "", eid(1))
	provider.writeFn = func(ctx context.Context, req *p4_v1.WriteRequest) ([]error, error) {
		return []error{
			status.Error(codes.NotFound, "missing"),
			status.Error(codes.AlreadyExists, "dup"),
		}, nil
	}
	req := withElectionID(&p4_v1.WriteRequest{
		DeviceId: 1,
		Updates:  []*p4_v1.Update{{}, {}},
	}, "", eid(1))
	_, err := server.Write(context.Background(), req)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unknown, st.Code())
}

func TestWriteSuccess(t *testing.T) {
	server, manager, _ := newTestServer()
	establishPrimary(t, manager, 1, "", eid(1))
	req := withElectionID(&p4_v1.WriteRequest{
		DeviceId: 1,
		Updates:  []*p4_v1.Update{{}},
	}, "", eid(1))
	resp, err := server.Write(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestReadDelegatesToProvider(t *testing.T) {
	server, manager, provider := newTestServer()
	establishPrimary(t, manager, 1, "", eid(1))
	entity := &p4_v1.Entity{}
	provider.readFn = func(ctx context.Context, req *p4_v1.ReadRequest, send func(*p4_v1.ReadResponse) error) error {
		return send(&p4_v1.ReadResponse{Entities: []*p4_v1.Entity{entity}})
	}
	fake := &fakeReadServer{}
	err := server.Read(&p4_v1.ReadRequest{DeviceId: 1, Entities: []*p4_v1.Entity{{}}}, fake)
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)
	assert.Same(t, entity, fake.sent[0].Entities[0])
}

func TestSetForwardingPipelineConfigVerifyAndCommit(t *testing.T) {
	server, manager, _ := newTestServer()
	establishPrimary(t, manager, 1, "", eid(1))
	req := &p4_v1.SetForwardingPipelineConfigRequest{
		DeviceId:   1,
		Role:       "",
		ElectionId: eid(1),
		Action:     p4_v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
	}
	_, err := server.SetForwardingPipelineConfig(context.Background(), req)
	assert.NoError(t, err)
}

func TestSetForwardingPipelineConfigVerifyFailurePropagates(t *testing.T) {
	server, manager, provider := newTestServer()
	establishPrimary(t, manager, 1, "", eid(1))
	provider.verifyErr = errors.New("bad p4info")
	req := &p4_v1.SetForwardingPipelineConfigRequest{
		DeviceId:   1,
		ElectionId: eid(1),
		Action:     p4_v1.SetForwardingPipelineConfigRequest_VERIFY,
	}
	_, err := server.SetForwardingPipelineConfig(context.Background(), req)
	assert.Error(t, err)
}

func TestGetForwardingPipelineConfigProjectsCookieOnly(t *testing.T) {
	server, _, provider := newTestServer()
	provider.getConfig = &p4_v1.ForwardingPipelineConfig{
		Cookie: &p4_v1.ForwardingPipelineConfig_Cookie{Cookie: 42},
		P4Info: nil,
	}
	resp, err := server.GetForwardingPipelineConfig(context.Background(), &p4_v1.GetForwardingPipelineConfigRequest{
		DeviceId:     1,
		ResponseType: p4_v1.GetForwardingPipelineConfigRequest_COOKIE_ONLY,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, resp.Config.Cookie.Cookie)
	assert.Nil(t, resp.Config.P4Info)
}

func TestStreamChannelArbitrationAndDisconnect(t *testing.T) {
	server, manager, _ := newTestServer()
	fake := &fakeStreamChannelServer{
		reqs: []*p4_v1.StreamMessageRequest{
			{Update: &p4_v1.StreamMessageRequest_Arbitration{
				Arbitration: arbitrate(1, "", eid(1)),
			}},
		},
	}
	err := server.StreamChannel(fake)
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)
	assert.EqualValues(t, 0, status.FromProto(fake.sent[0].GetArbitration().Status).Code())

	// After the stream closes, the connection is gone and no longer primary.
	assert.Error(t, manager.AllowRequest("", eid(1)))
}

// A device_id mismatch on a follow-up arbitration message from an already
// established connection rejects that message only: the connection stays
// registered and primary, and the stream is not torn down.
func TestStreamChannelDeviceIDMismatchOnEstablishedConnectionSurvives(t *testing.T) {
	server, manager, _ := newTestServer()
	fake := &fakeStreamChannelServer{
		reqs: []*p4_v1.StreamMessageRequest{
			{Update: &p4_v1.StreamMessageRequest_Arbitration{
				Arbitration: arbitrate(1, "", eid(1)),
			}},
			{Update: &p4_v1.StreamMessageRequest_Arbitration{
				Arbitration: arbitrate(2, "", eid(1)),
			}},
		},
	}
	err := server.StreamChannel(fake)
	require.NoError(t, err)

	require.Len(t, fake.sent, 2)
	assert.EqualValues(t, 0, status.FromProto(fake.sent[0].GetArbitration().Status).Code())
	errResp := fake.sent[1].GetError()
	require.NotNil(t, errResp)
	assert.EqualValues(t, codes.FailedPrecondition, errResp.CanonicalCode)

	// The connection is still registered and still primary for device 1.
	assert.NoError(t, manager.AllowRequest("", eid(1)))
}

func TestStreamChannelPacketOutFromNonPrimaryGetsPermissionDenied(t *testing.T) {
	server, _, _ := newTestServer()
	fake := &fakeStreamChannelServer{
		reqs: []*p4_v1.StreamMessageRequest{
			{Update: &p4_v1.StreamMessageRequest_Arbitration{
				Arbitration: arbitrate(1, "", nil),
			}},
			{Update: &p4_v1.StreamMessageRequest_Packet{
				Packet: &p4_v1.PacketOut{Payload: []byte{1}},
			}},
		},
	}
	err := server.StreamChannel(fake)
	require.NoError(t, err)
	require.Len(t, fake.sent, 2)
	errResp := fake.sent[1].GetError()
	require.NotNil(t, errResp)
	assert.EqualValues(t, codes.PermissionDenied, errResp.CanonicalCode)
}

func TestStreamChannelProviderFailureBecomesStreamError(t *testing.T) {
	server, _, provider := newTestServer()
	provider.streamFn = func(ctx context.Context, deviceID uint64, req *p4_v1.StreamMessageRequest) error {
		return status.Error(codes.Internal, "boom")
	}

	fake := &fakeStreamChannelServer{
		reqs: []*p4_v1.StreamMessageRequest{
			{Update: &p4_v1.StreamMessageRequest_Arbitration{
				Arbitration: arbitrate(1, "", eid(1)),
			}},
			{Update: &p4_v1.StreamMessageRequest_Packet{
				Packet: &p4_v1.PacketOut{Payload: []byte{1}},
			}},
		},
	}
	err := server.StreamChannel(fake)
	require.NoError(t, err)

	require.Len(t, fake.sent, 2)
	errResp := fake.sent[1].GetError()
	require.NotNil(t, errResp)
	assert.EqualValues(t, codes.Internal, errResp.CanonicalCode)
}
