package jmsservice

import (
	"context"
	"testing"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/jms"
	"github.com/example/loadharness/internal/operation"
	"github.com/example/loadharness/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startService(t *testing.T, policy string) *Service {
	t.Helper()
	cfg := config.Default().Service
	cfg.JMS.EndpointPolicy = policy

	svc := New(nil)
	require.NoError(t, svc.Configure(cfg))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func TestService_SendReceive(t *testing.T) {
	svc := startService(t, "reuse-session")
	ctx := service.WithWorkerID(context.Background(), 0)
	queue := operation.Destination{Name: "orders", Type: operation.Queue}

	send := operation.NewSend(queue, []byte("payload"))
	require.NoError(t, send.Perform(ctx, svc))

	recv := operation.NewReceive(queue, time.Second)
	require.NoError(t, recv.Perform(ctx, svc))
	assert.Equal(t, []byte("payload"), recv.Payload)
	assert.Equal(t, 1, svc.Manager().CachedSessions())

	empty := operation.NewReceive(queue, 10*time.Millisecond)
	assert.ErrorIs(t, empty.Perform(ctx, svc), operation.ErrNoMessage)
	assert.False(t, empty.Performed())
}

func TestService_NewSessionPolicyCachesNothing(t *testing.T) {
	svc := startService(t, "new-session")
	ctx := service.WithWorkerID(context.Background(), 0)

	require.NoError(t, operation.NewSend(operation.Destination{Name: "q"}, nil).Perform(ctx, svc))
	assert.Zero(t, svc.Manager().CachedSessions())
	assert.Equal(t, jms.NewSessionNewEndpointPerOperation, svc.Manager().Policy())
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc := New(nil)
	require.NoError(t, svc.Configure(config.Default().Service))

	err := svc.Send(ctx, operation.NewSend(operation.Destination{Name: "q"}, nil))
	assert.ErrorIs(t, err, service.ErrNotStarted)

	require.NoError(t, svc.Start(ctx))
	m := svc.Manager()
	require.NoError(t, svc.Start(ctx))
	assert.Same(t, m, svc.Manager())

	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx))
	assert.True(t, m.IsClosed())
	assert.False(t, svc.IsStarted())
}

func TestService_ConfigureErrors(t *testing.T) {
	cfg := config.Default().Service
	cfg.JMS.EndpointPolicy = "sometimes"
	assert.ErrorIs(t, New(nil).Configure(cfg), config.ErrInvalidConfig)

	cfg = config.Default().Service
	cfg.JMS.Provider = "amqp"
	assert.ErrorIs(t, New(nil).Configure(cfg), config.ErrInvalidConfig)
}

func TestService_SharedBroker(t *testing.T) {
	broker := jms.NewMemoryBroker(8)
	cfg := config.Default().Service
	ctx := context.Background()
	topic := operation.Destination{Name: "news", Type: operation.Topic}

	a, b := NewWithBroker(nil, broker), NewWithBroker(nil, broker)
	for _, svc := range []*Service{a, b} {
		require.NoError(t, svc.Configure(cfg))
		require.NoError(t, svc.Start(ctx))
		defer svc.Stop(ctx)
	}

	require.NoError(t, operation.NewSend(operation.Destination{Name: "q"}, []byte("hi")).Perform(ctx, a))
	assert.Equal(t, 1, broker.Depth("q"))

	recv := operation.NewReceive(operation.Destination{Name: "q"}, time.Second)
	require.NoError(t, recv.Perform(ctx, b))
	assert.Equal(t, []byte("hi"), recv.Payload)

	// A topic message sent with no live subscriber is dropped.
	require.NoError(t, operation.NewSend(topic, []byte("lost")).Perform(ctx, a))
	lost := operation.NewReceive(topic, 10*time.Millisecond)
	assert.ErrorIs(t, lost.Perform(ctx, b), operation.ErrNoMessage)
}

func TestService_UnreachableBrokers(t *testing.T) {
	for _, provider := range []string{ProviderNATS, ProviderKafka} {
		t.Run(provider, func(t *testing.T) {
			cfg := config.Default().Service
			cfg.JMS.Provider = provider
			cfg.JMS.URL = "127.0.0.1:1"
			if provider == ProviderNATS {
				cfg.JMS.URL = "nats://127.0.0.1:1"
			}
			cfg.JMS.ConnectTimeout = 200 * time.Millisecond

			svc := New(nil)
			require.NoError(t, svc.Configure(cfg))
			assert.Error(t, svc.Start(context.Background()))
			assert.False(t, svc.IsStarted())
		})
	}
}
