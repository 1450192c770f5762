// Package jms manages the connection, sessions and endpoints a messaging
// service uses to send and receive.
//
// A Connection creates Sessions; a Session creates Producers and Consumers
// (endpoints) bound to a destination. The Manager hands endpoints out per
// operation under an EndpointPolicy and reclaims them on return.
package jms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/loadharness/internal/operation"
)

// Errors returned by the jms package.
var (
	// ErrManagerClosed is returned by CheckOutEndpoint after Close.
	ErrManagerClosed = errors.New("jms: resource manager is closed")
	// ErrConnectionClosed is returned when a closed connection is used.
	ErrConnectionClosed = errors.New("jms: connection is closed")
	// ErrNotStarted is returned when a connection is used before Start.
	ErrNotStarted = errors.New("jms: connection not started")
	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("jms: session is closed")
	// ErrEndpointClosed is returned when a closed producer or consumer is used.
	ErrEndpointClosed = errors.New("jms: endpoint is closed")
	// ErrNotMessaging is returned when an operation is neither a send nor a receive.
	ErrNotMessaging = errors.New("jms: not a messaging operation")
	// ErrNoWorker is returned by a session-reusing checkout whose context
	// carries no worker id.
	ErrNoWorker = errors.New("jms: no worker id in context for session reuse")
	// ErrInvalidPolicy is returned for an unknown endpoint policy name.
	ErrInvalidPolicy = errors.New("jms: invalid endpoint policy")
)

// Connection is a started handle to a broker.
type Connection interface {
	Start() error
	CreateSession() (Session, error)
	Close() error
}

// Session groups the endpoints of one worker.
type Session interface {
	CreateProducer(dest operation.Destination) (Producer, error)
	CreateConsumer(dest operation.Destination) (Consumer, error)
	Close() error
}

// Producer sends to the destination it was created for.
type Producer interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer receives from the destination it was created for.
type Consumer interface {
	// Receive waits up to timeout for a message and returns
	// operation.ErrNoMessage when none arrives.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// EndpointPolicy governs whether sessions are reused per worker.
type EndpointPolicy int

const (
	// NewSessionNewEndpointPerOperation creates and closes a session and an
	// endpoint for every operation.
	NewSessionNewEndpointPerOperation EndpointPolicy = iota
	// ReuseSessionNewEndpointPerOperation caches one session per worker and
	// creates and closes only the endpoint per operation.
	ReuseSessionNewEndpointPerOperation
)

func (p EndpointPolicy) String() string {
	switch p {
	case NewSessionNewEndpointPerOperation:
		return "new-session"
	case ReuseSessionNewEndpointPerOperation:
		return "reuse-session"
	default:
		return fmt.Sprintf("EndpointPolicy(%d)", int(p))
	}
}

// ParseEndpointPolicy parses "new-session" or "reuse-session".
func ParseEndpointPolicy(s string) (EndpointPolicy, error) {
	switch s {
	case "new-session", "NEW_SESSION_NEW_ENDPOINT_PER_OPERATION":
		return NewSessionNewEndpointPerOperation, nil
	case "", "reuse-session", "REUSE_SESSION_NEW_ENDPOINT_PER_OPERATION":
		return ReuseSessionNewEndpointPerOperation, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// Endpoint is a producer or consumer checked out of a Manager, together
// with the session it is bound to.
type Endpoint struct {
	dest     operation.Destination
	session  Session
	producer Producer
	consumer Consumer
	cached   bool
}

// Session returns the session the endpoint is bound to.
func (e *Endpoint) Session() Session { return e.session }

// Producer returns the producer, or nil for a consumer endpoint.
func (e *Endpoint) Producer() Producer { return e.producer }

// Consumer returns the consumer, or nil for a producer endpoint.
func (e *Endpoint) Consumer() Consumer { return e.consumer }

// Destination returns the destination the endpoint is bound to.
func (e *Endpoint) Destination() operation.Destination { return e.dest }

// Send sends payload through the producer.
func (e *Endpoint) Send(ctx context.Context, payload []byte) error {
	if e.producer == nil {
		return fmt.Errorf("%w: endpoint for %s is not a producer", ErrEndpointClosed, e.dest)
	}
	return e.producer.Send(ctx, payload)
}

// Receive receives through the consumer.
func (e *Endpoint) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if e.consumer == nil {
		return nil, fmt.Errorf("%w: endpoint for %s is not a consumer", ErrEndpointClosed, e.dest)
	}
	return e.consumer.Receive(ctx, timeout)
}
