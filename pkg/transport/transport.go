// Package transport provides a reliable, ordered byte stream over UDP.
//
// A Transport owns a registry of Endpoints, each bound to one UDP socket.
// Streams are multiplexed over an endpoint by a local/remote numeric id pair
// and refer to their endpoint only through an EndpointHandle. Every
// notification a stream or endpoint produces (data, write acknowledgement,
// close) is delivered on that handle's reactor.Queue, so callbacks of one
// handle never run concurrently.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/TeoSlayer/streamperf/pkg/protocol"
	"github.com/TeoSlayer/streamperf/pkg/reactor"
)

// EndpointHandle is a non-owning index into a Transport's endpoint registry.
// Holding a handle never keeps an endpoint alive.
type EndpointHandle uint32

// Transport is the endpoint registry and shared configuration of one run.
type Transport struct {
	d   *reactor.Dispatcher
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	endpoints map[EndpointHandle]*Endpoint
	next      EndpointHandle
}

// New creates a transport whose callbacks are delivered by d.
func New(d *reactor.Dispatcher, cfg Config) *Transport {
	return &Transport{
		d:         d,
		cfg:       cfg,
		log:       cfg.logger(),
		endpoints: make(map[EndpointHandle]*Endpoint),
	}
}

// NewEndpoint registers a new, unbound endpoint.
func (t *Transport) NewEndpoint() *Endpoint {
	t.mu.Lock()
	t.next++
	h := t.next
	ep := newEndpoint(t, h)
	t.endpoints[h] = ep
	t.mu.Unlock()
	return ep
}

// Endpoint resolves a handle. It fails once the endpoint has finished closing.
func (t *Transport) Endpoint(h EndpointHandle) (*Endpoint, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ep, ok := t.endpoints[h]
	if !ok {
		return nil, fmt.Errorf("endpoint %d: %w", h, protocol.ErrUnknownEndpoint)
	}
	return ep, nil
}

// Endpoints returns the number of registered endpoints.
func (t *Transport) Endpoints() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.endpoints)
}

// Stop force-releases every endpoint still registered: attached streams are
// destroyed, sockets closed and all of their goroutines joined. It is meant
// for after the dispatcher stopped abnormally, when the close cascade can no
// longer run; notifications that cannot be delivered any more are dropped.
// Stop returns the number of endpoints it released.
func (t *Transport) Stop() int {
	t.mu.RLock()
	eps := make([]*Endpoint, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		eps = append(eps, ep)
	}
	t.mu.RUnlock()

	for _, ep := range eps {
		for _, s := range ep.attached() {
			_ = s.Destroy() // ErrStreamDestroyed: teardown already running
			<-s.released
		}
		if err := ep.Close(nil); err != nil && !errors.Is(err, protocol.ErrEndpointClosed) {
			ep.log.Warn("endpoint close failed", "error", err)
			continue
		}
		<-ep.released
		t.unregister(ep.handle)
	}
	if len(eps) > 0 {
		t.log.Warn("transport stopped with open endpoints", "endpoints", len(eps))
	}
	return len(eps)
}

func (t *Transport) unregister(h EndpointHandle) {
	t.mu.Lock()
	delete(t.endpoints, h)
	t.mu.Unlock()
}

// NewStream creates a stream on the endpoint behind h with the given local
// id. onClosed runs exactly once, after Destroy has finished releasing the
// stream. The stream starts Initialized.
func (t *Transport) NewStream(h EndpointHandle, localID uint32, onClosed func()) (*Stream, error) {
	ep, err := t.Endpoint(h)
	if err != nil {
		return nil, err
	}
	s := newStream(t, h, localID, onClosed)
	if err := ep.attach(s); err != nil {
		s.queue.Close()
		return nil, err
	}
	return s, nil
}
