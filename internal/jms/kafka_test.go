package jms

import (
	"testing"
	"time"

	"github.com/example/loadharness/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaConnection_Brokers(t *testing.T) {
	c := NewKafkaConnection(" k1:9092, ,k2:9092 ", 0, nil)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Brokers())

	c = NewKafkaConnection("", 0, nil)
	assert.Equal(t, []string{"localhost:9092"}, c.Brokers())
}

func TestKafkaConnection_Lifecycle(t *testing.T) {
	c := NewKafkaConnection("127.0.0.1:1", 200*time.Millisecond, nil)

	_, err := c.CreateSession()
	assert.ErrorIs(t, err, ErrNotStarted)

	err = c.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Start(), ErrConnectionClosed)
	_, err = c.CreateSession()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestKafkaSession_ClosedRejectsEndpoints(t *testing.T) {
	c := NewKafkaConnection("127.0.0.1:1", time.Second, nil)
	s := &kafkaSession{conn: c}
	dest := operation.Destination{Name: "orders", Type: operation.Queue}

	p, err := s.CreateProducer(dest)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	require.NoError(t, s.Close())
	_, err = s.CreateProducer(dest)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.CreateConsumer(dest)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
