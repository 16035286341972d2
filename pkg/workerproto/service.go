package workerproto

import (
	"google.golang.org/grpc"

	"github.com/forgesrv/forge/pkg/workerproto/jsoncodec"
)

// ServiceName is the gRPC service name workers dial and the scheduler's
// gRPC server registers under.
const ServiceName = "forge.workerproto.Worker"

// ChannelStream is the bidirectional stream of Frame values carried by the
// single "Channel" RPC; serverStreamWrapper below and clientStreamWrapper in
// client.go implement it against grpc's generic streaming primitives, since there is no
// generated service interface to implement it for us.
type ChannelStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
}

type serverStreamWrapper struct {
	grpc.ServerStream
}

func (s *serverStreamWrapper) Send(f *Frame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *serverStreamWrapper) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Handler is implemented by the scheduler-side worker manager.
type Handler interface {
	HandleChannel(stream ChannelStream) error
}

func channelHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Handler).HandleChannel(&serverStreamWrapper{stream})
}

// ServiceDesc is the hand-built grpc.ServiceDesc for the Worker service's
// single bidi-streaming "Channel" method, standing in for what protoc-gen-go
// would otherwise generate from a .proto file.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "forge/workerproto.proto",
}

// RegisterWorkerServer registers srv's HandleChannel method against s under
// the jsoncodec content subtype.
func RegisterWorkerServer(s *grpc.Server, srv Handler) {
	s.RegisterService(&ServiceDesc, srv)
}

// CodecName is exported so callers constructing grpc.Dial/grpc.NewServer
// option lists can pick jsoncodec.Name without importing that package
// directly.
const CodecName = jsoncodec.Name
