// Package grpc is the client side of gputraced's export transport,
// shipping SubmissionMessage/MergerEventMessage batches to a collector.
package grpc

import (
	"context"
	"fmt"

	"github.com/orbitlike/gputrace/internal/grpc/pb"
	"github.com/orbitlike/gputrace/pkg/logutil"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const maxMsgSize = 64 * 1024 * 1024

// Client is a thin wrapper around the generated-style
// pb.GpuTraceCollectorClient.
type Client struct {
	conn   *grpc.ClientConn
	client pb.GpuTraceCollectorClient
}

// NewClient dials address with the JSON codec this module's service
// uses instead of binary protobuf.
func NewClient(address string, port string) (*Client, error) {
	serverAddress := fmt.Sprintf("%s:%s", address, port)
	conn, err := grpc.NewClient(serverAddress,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(pb.Codec()),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, client: pb.NewGpuTraceCollectorClient(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// SendBatch ships one Batch and logs its size.
func (c *Client) SendBatch(ctx context.Context, batch *pb.Batch) (*pb.Ack, error) {
	logger := logutil.GetLogger()
	logger.Info("sending batch",
		zap.Int("submissions", len(batch.Submissions)),
		zap.Int("merger_events", len(batch.MergerEvents)))

	return c.client.SendBatch(ctx, batch)
}

// Run drains batches off in until ctx is cancelled or the server
// becomes unavailable.
func (c *Client) Run(ctx context.Context, in <-chan *pb.Batch) error {
	logger := logutil.GetLogger()
	for {
		select {
		case <-ctx.Done():
			logger.Info("client received cancellation signal")
			return nil
		case batch := <-in:
			if _, err := c.SendBatch(ctx, batch); err != nil {
				logger.Error("error sending batch", zap.Error(err))
				st, ok := status.FromError(err)
				if ok && (st.Code() == codes.Unavailable || st.Code() == codes.Canceled) {
					logger.Warn("server unavailable, shutting down client")
					return err
				}
			}
		}
	}
}
