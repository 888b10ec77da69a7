package network

import (
	"context"
	"errors"
	"fmt"
)

// ErrPeerUnresolved indicates no resolver knows an endpoint for a peer id.
var ErrPeerUnresolved = errors.New("network: peer endpoint unresolved")

// Endpoint is a dialable address for a peer identity.
type Endpoint struct {
	Address string
	// Fingerprint, when set, must match the peer's static key fingerprint.
	Fingerprint string
}

// Resolver maps peer identities to endpoints.
type Resolver interface {
	Resolve(ctx context.Context, peerID string) (Endpoint, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, peerID string) (Endpoint, error)

func (f ResolverFunc) Resolve(ctx context.Context, peerID string) (Endpoint, error) {
	return f(ctx, peerID)
}

// StaticResolver resolves from a fixed table.
type StaticResolver map[string]Endpoint

func (r StaticResolver) Resolve(_ context.Context, peerID string) (Endpoint, error) {
	endpoint, ok := r[peerID]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrPeerUnresolved, peerID)
	}
	return endpoint, nil
}

// ChainResolver tries each resolver in order and returns the first hit.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(ctx context.Context, peerID string) (Endpoint, error) {
	var errs []error
	for _, resolver := range c {
		if resolver == nil {
			continue
		}
		endpoint, err := resolver.Resolve(ctx, peerID)
		if err == nil {
			return endpoint, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Endpoint{}, ctxErr
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrPeerUnresolved, peerID)
	}
	return Endpoint{}, errors.Join(append([]error{ErrPeerUnresolved}, errs...)...)
}
