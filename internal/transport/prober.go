package transport

import (
	"context"

	"github.com/opentalon/relay/internal/failover"
)

// Prober checks whether an endpoint is reachable and healthy.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// Probers picks a prober by scheme. local endpoints are healthy when their
// handler exists.
type Probers struct {
	Local *Local
	HTTP  Prober
	GRPC  Prober
}

func (p Probers) Probe(ctx context.Context, endpoint string) error {
	switch DetectScheme(endpoint) {
	case SchemeHTTP:
		if p.HTTP != nil {
			return p.HTTP.Probe(ctx, endpoint)
		}
	case SchemeGRPC:
		if p.GRPC != nil {
			return p.GRPC.Probe(ctx, endpoint)
		}
	case SchemeLocal:
		if p.Local != nil {
			_, name := ParseEndpoint(endpoint)
			for _, n := range p.Local.Names() {
				if n == name {
					return nil
				}
			}
			return failover.Errorf(failover.KindServiceNotFound, "no local handler %q", name)
		}
	}
	// ws endpoints and unconfigured schemes are not probed.
	return nil
}
