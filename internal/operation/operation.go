// Package operation defines the units of synthetic work a load strategy hands
// to a runner, and the backend capabilities those units are performed against.
//
// The set of operations is closed: Read, Write, Send, Receive, SessionCreate,
// SessionWrite and SessionInvalidate, plus Idle, which a strategy returns when
// it has nothing to hand out yet but is not finished. An Operation is owned by the worker that
// obtained it until it has been recorded; it is never shared.
package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/loadharness/internal/service"
)

// Errors returned by operations.
var (
	// ErrUnsupported is returned when the service lacks the capability an operation needs.
	ErrUnsupported = errors.New("operation: unsupported by service")
	// ErrAlreadyPerformed is returned when an operation is performed twice.
	ErrAlreadyPerformed = errors.New("operation: already performed")
	// ErrNoMessage is returned by a receive that timed out without a message.
	ErrNoMessage = errors.New("operation: no message received")
)

// Kind identifies the type of an operation.
type Kind string

// Operation kinds.
const (
	KindRead              Kind = "READ"
	KindWrite             Kind = "WRITE"
	KindSend              Kind = "SEND"
	KindReceive           Kind = "RECEIVE"
	KindSessionCreate     Kind = "HTTP_SESSION_CREATE"
	KindSessionWrite      Kind = "HTTP_SESSION_WRITE"
	KindSessionInvalidate Kind = "HTTP_SESSION_INVALIDATE"
	KindIdle              Kind = "IDLE"
)

// Kinds lists every operation kind that does work against a service.
var Kinds = []Kind{
	KindRead, KindWrite, KindSend, KindReceive,
	KindSessionCreate, KindSessionWrite, KindSessionInvalidate,
}

// Operation is one unit of work.
type Operation interface {
	// Kind returns the operation kind.
	Kind() Kind
	// Key returns the cache key, destination name or session id the operation targets.
	Key() string
	// Perform executes the operation against svc and fills in its result.
	Perform(ctx context.Context, svc service.Service) error
	// Performed reports whether Perform has completed without error.
	Performed() bool
}

// Cache is the capability used by Read and Write.
type Cache interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Messaging is the capability used by Send and Receive.
type Messaging interface {
	Send(ctx context.Context, op *Send) error
	// Receive stores the received payload on op, or returns ErrNoMessage.
	Receive(ctx context.Context, op *Receive) error
}

// SessionStore is the capability used by the HTTP-session operations.
type SessionStore interface {
	CreateSession(ctx context.Context, id string, data []byte) error
	WriteSession(ctx context.Context, id, attribute string, value []byte) error
	InvalidateSession(ctx context.Context, id string) error
}

// DestinationType distinguishes point-to-point from publish/subscribe destinations.
type DestinationType string

// Destination types.
const (
	Queue DestinationType = "queue"
	Topic DestinationType = "topic"
)

// ParseDestinationType parses "queue" or "topic". Empty defaults to queue.
func ParseDestinationType(s string) (DestinationType, error) {
	switch s {
	case "", string(Queue):
		return Queue, nil
	case string(Topic):
		return Topic, nil
	default:
		return "", fmt.Errorf("unknown destination type %q", s)
	}
}

// Destination names a JMS queue or topic.
type Destination struct {
	Name string
	Type DestinationType
}

func (d Destination) String() string {
	return string(d.Type) + "://" + d.Name
}

type performed struct {
	done bool
}

func (p *performed) Performed() bool { return p.done }

func (p *performed) begin() error {
	if p.done {
		return ErrAlreadyPerformed
	}
	return nil
}

func (p *performed) finish(err error) error {
	if err == nil {
		p.done = true
	}
	return err
}

func capability[T any](svc service.Service, kind Kind) (T, error) {
	c, ok := svc.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s on %T", ErrUnsupported, kind, svc)
	}
	return c, nil
}

// Read gets a key from a Cache. A miss is not an error: Found is false.
type Read struct {
	performed
	key   string
	Value []byte
	Found bool
}

// NewRead creates a read of key.
func NewRead(key string) *Read { return &Read{key: key} }

func (o *Read) Kind() Kind  { return KindRead }
func (o *Read) Key() string { return o.key }

// Miss reports whether the performed read found nothing.
func (o *Read) Miss() bool { return o.done && !o.Found }

func (o *Read) Perform(ctx context.Context, svc service.Service) error {
	if err := o.begin(); err != nil {
		return err
	}
	c, err := capability[Cache](svc, o.Kind())
	if err != nil {
		return err
	}
	o.Value, o.Found, err = c.Get(ctx, o.key)
	return o.finish(err)
}

// Write puts a value into a Cache.
type Write struct {
	performed
	key   string
	Value []byte
}

// NewWrite creates a write of value under key.
func NewWrite(key string, value []byte) *Write { return &Write{key: key, Value: value} }

func (o *Write) Kind() Kind  { return KindWrite }
func (o *Write) Key() string { return o.key }

func (o *Write) Perform(ctx context.Context, svc service.Service) error {
	if err := o.begin(); err != nil {
		return err
	}
	c, err := capability[Cache](svc, o.Kind())
	if err != nil {
		return err
	}
	return o.finish(c.Put(ctx, o.key, o.Value))
}

// Send publishes a payload to a destination.
type Send struct {
	performed
	Destination Destination
	Payload     []byte
}

// NewSend creates a send of payload to dest.
func NewSend(dest Destination, payload []byte) *Send {
	return &Send{Destination: dest, Payload: payload}
}

func (o *Send) Kind() Kind  { return KindSend }
func (o *Send) Key() string { return o.Destination.Name }

func (o *Send) Perform(ctx context.Context, svc service.Service) error {
	if err := o.begin(); err != nil {
		return err
	}
	m, err := capability[Messaging](svc, o.Kind())
	if err != nil {
		return err
	}
	return o.finish(m.Send(ctx, o))
}

// Receive consumes one message from a destination within Timeout.
type Receive struct {
	performed
	Destination Destination
	Timeout     time.Duration
	Payload     []byte
}

// NewReceive creates a receive from dest.
func NewReceive(dest Destination, timeout time.Duration) *Receive {
	return &Receive{Destination: dest, Timeout: timeout}
}

func (o *Receive) Kind() Kind  { return KindReceive }
func (o *Receive) Key() string { return o.Destination.Name }

func (o *Receive) Perform(ctx context.Context, svc service.Service) error {
	if err := o.begin(); err != nil {
		return err
	}
	m, err := capability[Messaging](svc, o.Kind())
	if err != nil {
		return err
	}
	return o.finish(m.Receive(ctx, o))
}

// SessionCreate registers a new HTTP session with its initial data.
type SessionCreate struct {
	performed
	SessionID string
	Data      []byte
}

// NewSessionCreate creates a session creation.
func NewSessionCreate(id string, data []byte) *SessionCreate {
	return &SessionCreate{SessionID: id, Data: data}
}

func (o *SessionCreate) Kind() Kind  { return KindSessionCreate }
func (o *SessionCreate) Key() string { return o.SessionID }

func (o *SessionCreate) Perform(ctx context.Context, svc service.Service) error {
	if err := o.begin(); err != nil {
		return err
	}
	s, err := capability[SessionStore](svc, o.Kind())
	if err != nil {
		return err
	}
	return o.finish(s.CreateSession(ctx, o.SessionID, o.Data))
}

// SessionWrite sets one attribute of a live session.
type SessionWrite struct {
	performed
	SessionID string
	Attribute string
	Value     []byte
}

// NewSessionWrite creates a session attribute write.
func NewSessionWrite(id, attribute string, value []byte) *SessionWrite {
	return &SessionWrite{SessionID: id, Attribute: attribute, Value: value}
}

func (o *SessionWrite) Kind() Kind  { return KindSessionWrite }
func (o *SessionWrite) Key() string { return o.SessionID }

func (o *SessionWrite) Perform(ctx context.Context, svc service.Service) error {
	if err := o.begin(); err != nil {
		return err
	}
	s, err := capability[SessionStore](svc, o.Kind())
	if err != nil {
		return err
	}
	return o.finish(s.WriteSession(ctx, o.SessionID, o.Attribute, o.Value))
}

// SessionInvalidate removes a session.
type SessionInvalidate struct {
	performed
	SessionID string
}

// NewSessionInvalidate creates a session invalidation.
func NewSessionInvalidate(id string) *SessionInvalidate {
	return &SessionInvalidate{SessionID: id}
}

func (o *SessionInvalidate) Kind() Kind  { return KindSessionInvalidate }
func (o *SessionInvalidate) Key() string { return o.SessionID }

func (o *SessionInvalidate) Perform(ctx context.Context, svc service.Service) error {
	if err := o.begin(); err != nil {
		return err
	}
	s, err := capability[SessionStore](svc, o.Kind())
	if err != nil {
		return err
	}
	return o.finish(s.InvalidateSession(ctx, o.SessionID))
}

// Idle backs off for a short while without touching the service. Runners do
// not record or count it.
type Idle struct {
	performed
	Backoff time.Duration
}

// NewIdle creates an idle operation.
func NewIdle(backoff time.Duration) *Idle {
	return &Idle{Backoff: backoff}
}

func (o *Idle) Kind() Kind  { return KindIdle }
func (o *Idle) Key() string { return "" }

func (o *Idle) Perform(ctx context.Context, _ service.Service) error {
	if err := o.begin(); err != nil {
		return err
	}
	if o.Backoff <= 0 {
		return o.finish(ctx.Err())
	}
	timer := time.NewTimer(o.Backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return o.finish(nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}
