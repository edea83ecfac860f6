package codec

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region methods
// Full method names served by the inference sidecar. Payloads are
// google.protobuf.Struct in both directions.
const (
	MethodGenerate = "/chunkforge.v1.StoryService/Generate"
	MethodExtract  = "/chunkforge.v1.StoryService/Extract"
)

// #endregion methods

// #region client-struct
// Invoker is the subset of *grpc.ClientConn the client uses.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any, reply any, opts ...grpc.CallOption) error
}

// CodecClient talks to the inference sidecar over gRPC and serves as both the
// Generator and the Extractor of the chunk loop.
type CodecClient struct {
	conn *grpc.ClientConn
	inv  Invoker
}

// #endregion client-struct

// #region constructor
// NewCodecClient connects to the inference gRPC server.
func NewCodecClient(addr string, opts ...grpc.DialOption) (*CodecClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &CodecClient{conn: conn, inv: conn}, nil
}

// NewCodecClientWithInvoker creates a CodecClient over an injected invoker.
// Used for testing without a real gRPC connection.
func NewCodecClientWithInvoker(inv Invoker) *CodecClient {
	return &CodecClient{inv: inv}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *CodecClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region generate
// Generate asks the sidecar for the prose of one chunk.
func (c *CodecClient) Generate(ctx context.Context, pc orchestrator.PromptContext, st state.CanonicalState, chunkIndex int) (orchestrator.Generation, error) {
	sj, err := stateJSON(st)
	if err != nil {
		return orchestrator.Generation{}, err
	}
	rules := make([]any, len(pc.ActiveRules))
	for i, r := range pc.ActiveRules {
		rules[i] = r.ID + ": " + r.Text
	}
	timeline := make([]any, len(pc.RecentTimeline))
	for i, t := range pc.RecentTimeline {
		timeline[i] = t
	}

	req, err := structpb.NewStruct(map[string]any{
		"session_id":      pc.SessionID,
		"chunk_index":     chunkIndex,
		"premise":         pc.Premise,
		"setting":         pc.Setting,
		"narrator":        pc.Narrator,
		"chunk_words":     pc.ChunkWords,
		"remaining_words": pc.RemainingWords,
		"prior_prose":     pc.PriorProse,
		"rules":           rules,
		"timeline":        timeline,
		"state_json":      sj,
	})
	if err != nil {
		return orchestrator.Generation{}, fmt.Errorf("build generate request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.inv.Invoke(ctx, MethodGenerate, req, resp); err != nil {
		return orchestrator.Generation{}, fmt.Errorf("generate rpc: %w", err)
	}

	fields := resp.GetFields()
	return orchestrator.Generation{
		Prose:     fields["prose"].GetStringValue(),
		WordCount: int(fields["word_count"].GetNumberValue()),
	}, nil
}

// #endregion generate

// #region extract
// Extract asks the sidecar for the delta text of one chunk's prose.
func (c *CodecClient) Extract(ctx context.Context, prose string, st state.CanonicalState) (string, error) {
	sj, err := stateJSON(st)
	if err != nil {
		return "", err
	}
	req, err := structpb.NewStruct(map[string]any{
		"prose":          prose,
		"state_json":     sj,
		"format_version": delta.FormatVersion,
	})
	if err != nil {
		return "", fmt.Errorf("build extract request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.inv.Invoke(ctx, MethodExtract, req, resp); err != nil {
		return "", fmt.Errorf("extract rpc: %w", err)
	}
	return resp.GetFields()["delta_text"].GetStringValue(), nil
}

// #endregion extract

func stateJSON(st state.CanonicalState) (string, error) {
	s, err := state.FromSnapshot(st)
	if err != nil {
		return "", fmt.Errorf("state for rpc: %w", err)
	}
	b, err := s.Serialize()
	if err != nil {
		return "", fmt.Errorf("state for rpc: %w", err)
	}
	return string(b), nil
}
