package diagnostics

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// statusCodecName is the gRPC content-subtype clients must request (via
// grpc.CallContentSubtype) to talk to the status service below -- there is
// no .proto for this surface, so it rides a plain JSON codec rather than
// protobuf wire encoding.
const statusCodecName = "wxappliance-status-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string                               { return statusCodecName }
func (jsonCodec) Marshal(v interface{}) ([]byte, error)       { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// emptyStatusRequest is GetStatus's (empty) request message.
type emptyStatusRequest struct{}

func statusGetStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req emptyStatusRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.snapshot(), nil
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/wxappliance.diagnostics.v1.Status/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.snapshot(), nil
	}
	return interceptor(ctx, req, info, handler)
}

// statusServiceDesc describes the hand-rolled "Status" gRPC service: one
// unary method, GetStatus, returning the same read-only Snapshot the HTTP
// /status endpoint serves.
var statusServiceDesc = grpc.ServiceDesc{
	ServiceName: "wxappliance.diagnostics.v1.Status",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    statusGetStatusHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/diagnostics/status_service.go",
}
