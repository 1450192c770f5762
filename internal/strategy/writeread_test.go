package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(t *testing.T, s Strategy, n int) []operation.Kind {
	t.Helper()
	var (
		out     []operation.Kind
		written string
	)
	for i := 0; i < n; i++ {
		op, err := s.Next(Input{LastWrittenKey: written})
		require.NoError(t, err)
		require.NotNil(t, op)
		if op.Kind() == operation.KindWrite {
			written = op.Key()
		} else {
			assert.Equal(t, written, op.Key(), "reads target the last written key")
		}
		out = append(out, op.Kind())
	}
	return out
}

func TestWriteRead_Ratios(t *testing.T) {
	const w, r = operation.KindWrite, operation.KindRead

	tests := []struct {
		name     string
		readTo   *int
		writeTo  *int
		expected []operation.Kind
	}{
		{"default", nil, nil, []operation.Kind{w, r, w, r}},
		{"two reads per write", intPtr(2), nil, []operation.Kind{w, r, r, w, r, r}},
		{"writes only", intPtr(0), nil, []operation.Kind{w, w, w}},
		{"three writes per read", nil, intPtr(3), []operation.Kind{w, w, w, r, w, w, w, r}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewWriteRead(nil)
			require.NoError(t, s.Configure(config.ServiceConfig{}, loadConfig(func(l *config.LoadConfig) {
				l.Strategy.ReadToWriteRatio = tt.readTo
				l.Strategy.WriteToReadRatio = tt.writeTo
			})))
			assert.Equal(t, tt.expected, kinds(t, s, len(tt.expected)))
		})
	}
}

func TestWriteRead_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*config.StrategyConfig)
	}{
		{"both ratios", func(s *config.StrategyConfig) {
			s.ReadToWriteRatio, s.WriteToReadRatio = intPtr(1), intPtr(1)
		}},
		{"negative read ratio", func(s *config.StrategyConfig) { s.ReadToWriteRatio = intPtr(-1) }},
		{"negative write ratio", func(s *config.StrategyConfig) { s.WriteToReadRatio = intPtr(-2) }},
		{"negative value size", func(s *config.StrategyConfig) { s.ValueSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewWriteRead(nil).Configure(config.ServiceConfig{}, loadConfig(func(l *config.LoadConfig) {
				tt.mod(&l.Strategy)
			}))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestWriteRead_ForksShareBudgetNotPosition(t *testing.T) {
	root := NewWriteRead(nil)
	require.NoError(t, root.Configure(config.ServiceConfig{}, loadConfig(func(l *config.LoadConfig) {
		l.OperationCount = 3
	})))
	a, b := root.ForWorker(0), root.ForWorker(1)

	opA, err := a.Next(Input{})
	require.NoError(t, err)
	opB, err := b.Next(Input{})
	require.NoError(t, err)
	assert.Equal(t, operation.KindWrite, opA.Kind())
	assert.Equal(t, operation.KindWrite, opB.Kind())

	_, err = a.Next(Input{LastWrittenKey: opA.Key()})
	require.NoError(t, err)

	op, err := b.Next(Input{LastWrittenKey: opB.Key()})
	require.NoError(t, err)
	assert.Nil(t, op)
	assert.Zero(t, root.Budget().Remaining())
}

func TestWriteRead_ReuseAndStoreValues(t *testing.T) {
	s := NewWriteRead(nil)
	require.NoError(t, s.Configure(config.ServiceConfig{}, loadConfig(func(l *config.LoadConfig) {
		l.Strategy.ReadToWriteRatio = intPtr(0)
		l.Strategy.ReuseValue = true
		l.Strategy.StoreValues = true
		l.Strategy.ValueSize = 7
		l.KeyStore.Type = config.KeyStoreMemory
	})))
	require.NoError(t, s.Start())
	defer s.Stop()

	first, err := s.Next(Input{})
	require.NoError(t, err)
	second, err := s.Next(Input{})
	require.NoError(t, err)

	w1, w2 := first.(*operation.Write), second.(*operation.Write)
	assert.Len(t, w1.Value, 7)
	assert.Equal(t, w1.Value, w2.Value)

	entry, err := s.Keys().Retrieve(w1.Key())
	require.NoError(t, err)
	assert.True(t, entry.ValueStored)
	assert.Equal(t, w1.Value, entry.Value)
}

func TestWriteRead_SpentBudgetLeavesKeysUnread(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0o644))

	s := NewWriteRead(nil)
	require.NoError(t, s.Configure(config.ServiceConfig{}, loadConfig(func(l *config.LoadConfig) {
		l.OperationCount = 1
		l.Strategy.ReadToWriteRatio = intPtr(0)
		l.KeyStore.Type = config.KeyStoreFileRead
		l.KeyStore.Path = path
	})))
	require.NoError(t, s.Start())
	defer s.Stop()

	op, err := s.Next(Input{})
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, "a", op.Key())

	op, err = s.Next(Input{})
	require.NoError(t, err)
	assert.Nil(t, op)

	next, ok := s.Keys().Get()
	require.True(t, ok)
	assert.Equal(t, "b", next, "no key is drawn once the budget is spent")
}
