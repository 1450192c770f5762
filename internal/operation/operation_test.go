package operation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycle struct{}

func (lifecycle) Configure(config.ServiceConfig) error { return nil }
func (lifecycle) Start(context.Context) error          { return nil }
func (lifecycle) Stop(context.Context) error           { return nil }
func (lifecycle) IsStarted() bool                      { return true }

type fakeBackend struct {
	lifecycle
	data     map[string][]byte
	sessions map[string]map[string][]byte
	inbox    [][]byte
	failPut  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: map[string][]byte{}, sessions: map[string]map[string][]byte{}}
}

func (f *fakeBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeBackend) Put(_ context.Context, key string, value []byte) error {
	if f.failPut != nil {
		return f.failPut
	}
	f.data[key] = value
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeBackend) Send(_ context.Context, op *Send) error {
	f.inbox = append(f.inbox, op.Payload)
	return nil
}

func (f *fakeBackend) Receive(_ context.Context, op *Receive) error {
	if len(f.inbox) == 0 {
		return ErrNoMessage
	}
	op.Payload, f.inbox = f.inbox[0], f.inbox[1:]
	return nil
}

func (f *fakeBackend) CreateSession(_ context.Context, id string, data []byte) error {
	f.sessions[id] = map[string][]byte{"": data}
	return nil
}

func (f *fakeBackend) WriteSession(_ context.Context, id, attr string, value []byte) error {
	s, ok := f.sessions[id]
	if !ok {
		return errors.New("no such session")
	}
	s[attr] = value
	return nil
}

func (f *fakeBackend) InvalidateSession(_ context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	miss := NewRead("k1")
	require.NoError(t, miss.Perform(ctx, backend))
	assert.True(t, miss.Performed())
	assert.True(t, miss.Miss())
	assert.Nil(t, miss.Value)

	w := NewWrite("k1", []byte("v1"))
	assert.Equal(t, KindWrite, w.Kind())
	require.NoError(t, w.Perform(ctx, backend))

	hit := NewRead("k1")
	require.NoError(t, hit.Perform(ctx, backend))
	assert.False(t, hit.Miss())
	assert.True(t, hit.Found)
	assert.Equal(t, []byte("v1"), hit.Value)
}

func TestPerform_Twice(t *testing.T) {
	backend := newFakeBackend()
	w := NewWrite("k", []byte("v"))
	require.NoError(t, w.Perform(context.Background(), backend))
	assert.ErrorIs(t, w.Perform(context.Background(), backend), ErrAlreadyPerformed)
}

func TestPerform_Failure(t *testing.T) {
	backend := newFakeBackend()
	backend.failPut = errors.New("boom")

	w := NewWrite("k", []byte("v"))
	err := w.Perform(context.Background(), backend)
	assert.EqualError(t, err, "boom")
	assert.False(t, w.Performed())
}

func TestPerform_Unsupported(t *testing.T) {
	ops := []Operation{
		NewRead("k"),
		NewWrite("k", nil),
		NewSend(Destination{Name: "q"}, nil),
		NewReceive(Destination{Name: "q"}, time.Millisecond),
		NewSessionCreate("s", nil),
		NewSessionWrite("s", "a", nil),
		NewSessionInvalidate("s"),
	}
	for _, op := range ops {
		t.Run(string(op.Kind()), func(t *testing.T) {
			err := op.Perform(context.Background(), lifecycle{})
			assert.ErrorIs(t, err, ErrUnsupported)
		})
	}
}

func TestSendReceive(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	dest := Destination{Name: "orders", Type: Topic}

	s := NewSend(dest, []byte("hello"))
	assert.Equal(t, "orders", s.Key())
	require.NoError(t, s.Perform(ctx, backend))

	r := NewReceive(dest, time.Second)
	require.NoError(t, r.Perform(ctx, backend))
	assert.Equal(t, []byte("hello"), r.Payload)

	empty := NewReceive(dest, time.Second)
	assert.ErrorIs(t, empty.Perform(ctx, backend), ErrNoMessage)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	require.NoError(t, NewSessionCreate("s1", []byte("init")).Perform(ctx, backend))
	require.NoError(t, NewSessionWrite("s1", "cart", []byte("x")).Perform(ctx, backend))
	assert.Equal(t, []byte("x"), backend.sessions["s1"]["cart"])

	inv := NewSessionInvalidate("s1")
	assert.Equal(t, KindSessionInvalidate, inv.Kind())
	require.NoError(t, inv.Perform(ctx, backend))
	assert.NotContains(t, backend.sessions, "s1")

	assert.Error(t, NewSessionWrite("s1", "cart", nil).Perform(ctx, backend))
}

func TestParseDestinationType(t *testing.T) {
	tests := []struct {
		in      string
		want    DestinationType
		wantErr bool
	}{
		{in: "", want: Queue},
		{in: "queue", want: Queue},
		{in: "topic", want: Topic},
		{in: "mailbox", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDestinationType(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, "topic://news", Destination{Name: "news", Type: Topic}.String())
}

func TestIdle(t *testing.T) {
	idle := NewIdle(5 * time.Millisecond)
	assert.Equal(t, KindIdle, idle.Kind())
	assert.NotContains(t, Kinds, KindIdle)

	start := time.Now()
	require.NoError(t, idle.Perform(context.Background(), nil))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.True(t, idle.Performed())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewIdle(time.Hour).Perform(ctx, nil), context.Canceled)
}
