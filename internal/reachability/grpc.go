package reachability

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

// GRPCHealthProber asks a standard gRPC health service whether the sync
// backend is serving.
type GRPCHealthProber struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
	token   func() string
}

// NewGRPCHealthProber connects lazily to target. token, when non-nil,
// supplies an access token sent as metadata with every probe.
func NewGRPCHealthProber(target, service string, token func() string, opts ...grpc.DialOption) (*GRPCHealthProber, error) {
	p := &GRPCHealthProber{service: service, token: token}
	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(p.accessTokenInterceptor),
	}, opts...)
	conn, err := grpc.NewClient(target, dial...)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	p.client = healthpb.NewHealthClient(conn)
	return p, nil
}

func (p *GRPCHealthProber) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if p.token != nil {
		if t := p.token(); t != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "access_token", t)
		}
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (p *GRPCHealthProber) Probe(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", p.service, resp.GetStatus())
	}
	return nil
}

func (p *GRPCHealthProber) Close() error {
	return p.conn.Close()
}
