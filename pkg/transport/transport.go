package transport

import (
	"context"
	"net"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	mcperrors "github.com/ajitpratap0/mcp-host-go/pkg/errors"
)

// Transport is a listener that hands incoming messages to a dispatcher.
// Start binds and returns once the listener is accepting; the listener
// lives until Stop or until ctx ends. Stop on a stopped transport is a
// no-op.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Addr() net.Addr
}

// Named pairs a transport with the name used in logs and errors.
type Named struct {
	Name string
	Transport
}

// Group is a set of transports started and stopped together.
type Group []Named

// Start starts every transport concurrently. When any fails the group is
// stopped again, so either all are running or none is. Failures are
// transport errors naming the transport.
func (g Group) Start(ctx context.Context) error {
	var eg errgroup.Group
	for _, t := range g {
		t := t
		eg.Go(func() error {
			if err := t.Start(ctx); err != nil {
				return mcperrors.TransportError(t.Name, "start", err)
			}
			return nil
		})
	}
	err := eg.Wait()
	if err == nil {
		return nil
	}

	stopErr := g.Stop(context.Background())
	if stopErr == nil {
		return err
	}
	return multierror.Append(err, stopErr)
}

// Stop stops the transports in order and returns every failure.
func (g Group) Stop(ctx context.Context) error {
	var result *multierror.Error
	for _, t := range g {
		if err := t.Stop(ctx); err != nil {
			result = multierror.Append(result, mcperrors.TransportError(t.Name, "stop", err))
		}
	}
	return result.ErrorOrNil()
}

// Addr returns the bound address of the named transport, or nil.
func (g Group) Addr(name string) net.Addr {
	for _, t := range g {
		if t.Name == name {
			return t.Addr()
		}
	}
	return nil
}
