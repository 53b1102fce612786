package grpc

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"helpdesk/assets/internal/device"
	"helpdesk/assets/internal/directory"
	"helpdesk/assets/internal/metrics"
)

const directoryServiceName = "helpdesk.v1.DirectoryService"

const (
	classifyDeviceMethod = "/" + directoryServiceName + "/ClassifyDevice"
	getUserDeviceMethod  = "/" + directoryServiceName + "/GetUserDevice"
)

type EmailClassifier interface {
	ClassifyEmail(ctx context.Context, email string) ([]directory.UserDevice, error)
}

// DirectoryServiceServer exchanges structpb.Struct messages so callers need no
// generated code.
type DirectoryServiceServer interface {
	ClassifyDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetUserDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type DirectoryServer struct {
	classifier EmailClassifier
}

func NewDirectoryServer(classifier EmailClassifier) *DirectoryServer {
	return &DirectoryServer{classifier: classifier}
}

func (s *DirectoryServer) ClassifyDevice(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid_request")
	}
	var in device.ClassificationInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid_request")
	}
	result := device.Classify(in)
	metrics.Classifications.WithLabelValues(result.Type.String(), string(result.Rule)).Inc()
	return structpb.NewStruct(resultFields(result))
}

func (s *DirectoryServer) GetUserDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	email := strings.TrimSpace(req.GetFields()["email"].GetStringValue())
	if email == "" {
		return nil, status.Error(codes.InvalidArgument, "email required")
	}
	devices, err := s.classifier.ClassifyEmail(ctx, email)
	if err != nil {
		return nil, status.Error(codes.Internal, "classification failed")
	}
	items := make([]interface{}, 0, len(devices))
	for _, d := range devices {
		fields := resultFields(d.Result)
		fields["email"] = d.Email
		fields["hasVpn"] = d.User != nil && d.User.HasVPN
		fields["hasRdp"] = d.User != nil && d.User.HasRDP
		if d.Signal != nil {
			fields["hasIntuneDevice"] = d.Signal.HasIntuneDevice
			if d.Signal.AssetTag != nil {
				fields["assetTag"] = *d.Signal.AssetTag
			}
			if d.Signal.SerialNumber != nil {
				fields["serialNumber"] = *d.Signal.SerialNumber
			}
		}
		items = append(items, fields)
	}
	return structpb.NewStruct(map[string]interface{}{"email": email, "devices": items})
}

func resultFields(result device.Result) map[string]interface{} {
	return map[string]interface{}{
		"deviceType": result.Type.String(),
		"reason":     result.Reason,
		"rule":       string(result.Rule),
	}
}

var directoryServiceDesc = grpc.ServiceDesc{
	ServiceName: directoryServiceName,
	HandlerType: (*DirectoryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ClassifyDevice", Handler: classifyDeviceHandler},
		{MethodName: "GetUserDevice", Handler: getUserDeviceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "helpdesk/v1/directory.proto",
}

func RegisterDirectoryServiceServer(s grpc.ServiceRegistrar, srv DirectoryServiceServer) {
	s.RegisterService(&directoryServiceDesc, srv)
}

// RegisterHealth registers the standard health service and marks the
// directory service as serving.
func RegisterHealth(s grpc.ServiceRegistrar) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus(directoryServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

func classifyDeviceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DirectoryServiceServer).ClassifyDevice(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifyDeviceMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DirectoryServiceServer).ClassifyDevice(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getUserDeviceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DirectoryServiceServer).GetUserDevice(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getUserDeviceMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DirectoryServiceServer).GetUserDevice(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// DirectoryClient calls DirectoryService over an existing connection.
type DirectoryClient struct {
	cc grpc.ClientConnInterface
}

func NewDirectoryClient(cc grpc.ClientConnInterface) *DirectoryClient {
	return &DirectoryClient{cc: cc}
}

func (c *DirectoryClient) ClassifyDevice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, classifyDeviceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DirectoryClient) GetUserDevice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getUserDeviceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
