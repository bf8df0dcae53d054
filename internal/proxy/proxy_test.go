package proxy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func pool(n int) []Identity {
	ids := make([]Identity, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, Identity{Name: string(rune('a' + i)), Host: "localhost", Port: 3128 + i})
	}
	return ids
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil, nil)
	require.ErrorIs(t, err, ErrNoIdentities)

	_, err = NewManager([]Identity{{Name: "x", Host: "localhost", Port: 1}, {Name: "y", Host: "localhost", Port: 1}}, nil)
	require.Error(t, err)

	_, err = NewManager([]Identity{{Name: "x", Host: "", Port: 1}}, nil)
	require.Error(t, err)
}

func TestAssignIsStickyAndRoundRobin(t *testing.T) {
	t.Parallel()

	m, err := NewManager(pool(3), zap.NewNop())
	require.NoError(t, err)

	first := m.Assign(0)
	second := m.Assign(1)
	third := m.Assign(2)
	fourth := m.Assign(3)

	assert.Equal(t, "a", first.Name)
	assert.Equal(t, "b", second.Name)
	assert.Equal(t, "c", third.Name)
	assert.Equal(t, "a", fourth.Name)
	assert.Equal(t, first, m.Assign(0), "existing assignment is retained")
}

func TestAssignConcurrentNoDoubleAssignment(t *testing.T) {
	t.Parallel()

	m, err := NewManager(pool(4), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Identity, 40)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Assign(i % 4)
		}(i)
	}
	wg.Wait()

	for i, id := range results {
		require.Equal(t, m.Assign(i%4), id)
	}
	require.Len(t, m.Assignments(), 4)
}

func TestRotateAlwaysDiffers(t *testing.T) {
	t.Parallel()

	for _, size := range []int{2, 3, 5} {
		m, err := NewManager(pool(size), nil)
		require.NoError(t, err)
		current := m.Assign(0)
		for i := 0; i < 25; i++ {
			next := m.Rotate(current)
			require.NotEqual(t, current.Key(), next.Key(), "pool size %d", size)
			current = next
		}
	}
}

func TestRotateSingleIdentityFallsBack(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	m, err := NewManager(pool(1), zap.New(core))
	require.NoError(t, err)

	current := m.Assign(0)
	require.Equal(t, current, m.Rotate(current))
	require.Equal(t, 1, logs.FilterMessage("no alternate proxy available, reusing current").Len())
}

func TestReassignAndStats(t *testing.T) {
	t.Parallel()

	m, err := NewManager(pool(2), nil)
	require.NoError(t, err)

	a := m.Assign(0)
	m.Assign(1)
	m.Reassign(0, m.Rotate(a))

	stats := m.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 2, stats.Assigned)
	require.Equal(t, 2, stats.Usage["b"])
	require.Equal(t, 0, stats.Usage["a"])
}

func TestIdentityURL(t *testing.T) {
	t.Parallel()

	id := Identity{Name: "vpn1", Host: "localhost", Port: 3128}
	require.Equal(t, "http://localhost:3128", id.URL().String())
}
