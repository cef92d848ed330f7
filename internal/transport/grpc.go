package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/opentalon/relay/internal/failover"
)

// InvokeMethod is the unary method remote relay services expose. Messages
// are JSON objects carried with the json codec.
const InvokeMethod = "/relay.Service/Invoke"

// JSONCodec marshals gRPC messages as JSON. Servers that accept relay
// payloads register it with grpc.ForceServerCodec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

// GRPC keeps one client connection per target address.
type GRPC struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPC() *GRPC {
	return &GRPC{conns: make(map[string]*grpc.ClientConn)}
}

func (g *GRPC) conn(target string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[target]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}
	g.conns[target] = c
	return c, nil
}

func (g *GRPC) Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	_, target := ParseEndpoint(endpoint)
	c, err := g.conn(target)
	if err != nil {
		return nil, failover.Wrap(failover.KindValidation, err, "grpc endpoint %s", endpoint)
	}
	var out map[string]any
	if err := c.Invoke(ctx, InvokeMethod, payload, &out, grpc.ForceCodec(JSONCodec{})); err != nil {
		return nil, grpcError(endpoint, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Probe runs the standard gRPC health check against the overall server.
func (g *GRPC) Probe(ctx context.Context, endpoint string) error {
	_, target := ParseEndpoint(endpoint)
	c, err := g.conn(target)
	if err != nil {
		return failover.Wrap(failover.KindValidation, err, "grpc endpoint %s", endpoint)
	}
	resp, err := healthpb.NewHealthClient(c).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return grpcError(endpoint, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return failover.Errorf(failover.KindTransient, "%s reports %s", endpoint, resp.GetStatus())
	}
	return nil
}

func (g *GRPC) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var first error
	for target, c := range g.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(g.conns, target)
	}
	return first
}

func grpcError(endpoint string, err error) error {
	switch status.Code(err) {
	case codes.NotFound, codes.Unimplemented:
		return failover.Wrap(failover.KindServiceNotFound, err, "grpc %s", endpoint)
	case codes.ResourceExhausted:
		return failover.Wrap(failover.KindRateLimitExceeded, err, "grpc %s", endpoint)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return failover.Wrap(failover.KindValidation, err, "grpc %s", endpoint)
	case codes.Canceled:
		return context.Canceled
	default:
		return failover.Wrap(failover.KindTransient, err, "grpc %s", endpoint)
	}
}
