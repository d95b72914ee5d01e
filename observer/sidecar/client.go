// Package sidecar is the gRPC client for the Ordinals sidecar (§9: "opaque
// external mutator" -- a process this repository trusts but does not
// implement). There is no retrieved .proto for it, so rather than commit a
// fabricated schema this package defines its one wire message (blockBatch,
// used for both request and response) by hand in the shape protoc-gen-go
// would produce (a struct satisfying
// proto.Message plus protobuf field tags for golang/protobuf's
// reflection-based codec) and invokes the method directly through the
// ClientConn instead of through generated stub types.
package sidecar

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/log"
)

var logger = log.NewModuleLogger(log.Sidecar)

// mutateBlocksMethod is the fully-qualified gRPC method the sidecar
// exposes.
const mutateBlocksMethod = "/ordinals.Sidecar/MutateBlocks"

// defaultTimeout bounds one MutateBlocks call; the caller (Observer Core)
// already falls back to the pre-mutation blocks on any error, including a
// deadline exceeded.
const defaultTimeout = 5 * time.Second

// blockBatch carries a JSON-encoded []chaintypes.Block across the wire.
// Candidate blocks and mutated blocks share this envelope in both
// directions: the sidecar's job is to attach ordinal/inscription metadata
// to BlockMetadata, not to change the envelope shape.
type blockBatch struct {
	Blocks []byte `protobuf:"bytes,1,opt,name=blocks,proto3"`
}

func (b *blockBatch) Reset()         { *b = blockBatch{} }
func (b *blockBatch) String() string { return string(b.Blocks) }
func (*blockBatch) ProtoMessage()    {}

var _ proto.Message = (*blockBatch)(nil)

// Client wraps a gRPC connection to one sidecar instance.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial opens a gRPC connection to target (host:port). The connection is
// lazy: Dial returns before the first RPC actually establishes a
// transport, matching grpc.Dial's default (non-blocking) behavior.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.Dial(target, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "sidecar: dial")
	}
	return &Client{conn: conn, timeout: defaultTimeout}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// MutateBlocks sends candidates to the sidecar and returns the augmented
// blocks it responds with. The caller is expected to fall back to
// candidates unmodified on any returned error (§9).
func (c *Client) MutateBlocks(ctx context.Context, candidates []chaintypes.Block) ([]chaintypes.Block, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	payload, err := json.Marshal(candidates)
	if err != nil {
		return nil, errors.Wrap(err, "sidecar: encode candidate blocks")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &blockBatch{Blocks: payload}
	resp := new(blockBatch)
	if err := c.conn.Invoke(ctx, mutateBlocksMethod, req, resp); err != nil {
		return nil, errors.Wrap(err, "sidecar: invoke MutateBlocks")
	}

	var augmented []chaintypes.Block
	if err := json.Unmarshal(resp.Blocks, &augmented); err != nil {
		return nil, errors.Wrap(err, "sidecar: decode mutated blocks")
	}
	if len(augmented) != len(candidates) {
		logger.Warn("sidecar returned a different block count than it was sent", "sent", len(candidates), "got", len(augmented))
	}
	return augmented, nil
}
