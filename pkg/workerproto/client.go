package workerproto

import (
	"context"

	"golang.org/x/xerrors"
	"google.golang.org/grpc"
)

type clientStreamWrapper struct {
	grpc.ClientStream
}

func (c *clientStreamWrapper) Send(f *Frame) error {
	return c.ClientStream.SendMsg(f)
}

func (c *clientStreamWrapper) Recv() (*Frame, error) {
	f := new(Frame)
	if err := c.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Dial opens the single multiplexed Channel stream to the scheduler's gRPC
// endpoint, selecting the jsoncodec content subtype so Frame values are sent
// as JSON rather than requiring generated protobuf marshaling.
func Dial(ctx context.Context, cc *grpc.ClientConn) (ChannelStream, error) {
	desc := &ServiceDesc.Streams[0]
	method := "/" + ServiceName + "/Channel"
	stream, err := grpc.NewClientStream(ctx, desc, cc, method, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, xerrors.Errorf("workerproto: open channel stream: %w", err)
	}
	return &clientStreamWrapper{stream}, nil
}
