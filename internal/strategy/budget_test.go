package strategy

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/example/loadharness/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget(t *testing.T) {
	t.Run("nil is unlimited", func(t *testing.T) {
		var b *Budget
		assert.Nil(t, NewBudget(0))
		assert.True(t, b.Take())
		assert.Equal(t, int64(-1), b.Remaining())
	})

	t.Run("floors at zero", func(t *testing.T) {
		b := NewBudget(2)
		assert.True(t, b.Take())
		assert.True(t, b.Take())
		assert.False(t, b.Take())
		assert.False(t, b.Take())
		assert.Zero(t, b.Remaining())
	})
}

// hammer calls next from workers goroutines until each sees nil and returns
// the number of operations handed out.
func hammer(t *testing.T, workers int, next func(worker int) (bool, error)) int64 {
	t.Helper()
	var (
		issued atomic.Int64
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				ok, err := next(worker)
				if !assert.NoError(t, err) || !ok {
					return
				}
				issued.Add(1)
			}
		}(w)
	}
	wg.Wait()
	return issued.Load()
}

func TestBudgetConservation(t *testing.T) {
	const workers, budget = 300, 20000

	t.Run("shared strategy", func(t *testing.T) {
		s := NewJMSSend(nil)
		require.NoError(t, s.Configure(config.Default().Service, loadConfig(func(l *config.LoadConfig) {
			l.OperationCount = budget
			l.Strategy.Destination = "q"
			l.Strategy.ValueSize = 1
		})))

		issued := hammer(t, workers, func(int) (bool, error) {
			op, err := s.Next(Input{})
			return op != nil, err
		})
		assert.Equal(t, int64(budget), issued)
		assert.Zero(t, s.Budget().Remaining())
	})

	t.Run("per-worker forks", func(t *testing.T) {
		root := NewWriteRead(nil)
		require.NoError(t, root.Configure(config.ServiceConfig{}, loadConfig(func(l *config.LoadConfig) {
			l.OperationCount = budget
			l.Strategy.ValueSize = 1
			l.Strategy.ReadToWriteRatio = intPtr(3)
		})))
		forks := make([]Strategy, workers)
		for i := range forks {
			forks[i] = root.ForWorker(i)
		}

		issued := hammer(t, workers, func(w int) (bool, error) {
			op, err := forks[w].Next(Input{WorkerID: w})
			return op != nil, err
		})
		assert.Equal(t, int64(budget), issued)
	})

	t.Run("session pool", func(t *testing.T) {
		s := NewHTTPSession(nil)
		require.NoError(t, s.Configure(config.ServiceConfig{}, loadConfig(func(l *config.LoadConfig) {
			l.OperationCount = budget
			l.Strategy.SessionCount = 7
			l.Strategy.WritesPerSession = 3
			l.Strategy.InitialSessionSize = 4
			l.Strategy.ValueSize = 1
		})))

		issued := hammer(t, workers, func(w int) (bool, error) {
			op, err := s.Next(Input{WorkerID: w})
			return op != nil, err
		})
		assert.Equal(t, int64(budget), issued)
	})
}
