package chshare

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWindowSizes(t *testing.T) {
	tests := []struct {
		max, parallelism int
		initial, minimum int
	}{
		{10, 4, 10, 4},
		{100, 2, 16, 2},
		{100, 1, 8, 1},
		{3, 8, 3, 3},
		{1, 1, 1, 1},
	}
	for _, tt := range tests {
		c := Config{MaxConcurrentRequests: tt.max, Parallelism: tt.parallelism}
		require.NoError(t, c.Validate())
		assert.Equal(t, tt.initial, c.InitialWindow(), "initial M=%d P=%d", tt.max, tt.parallelism)
		assert.Equal(t, tt.minimum, c.MinimumWindow(), "minimum M=%d P=%d", tt.max, tt.parallelism)
	}
}

func TestConfigValidate(t *testing.T) {
	c := Config{}
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultMaxConcurrentRequests, c.MaxConcurrentRequests)
	assert.Positive(t, c.Parallelism)
	assert.NotNil(t, c.Logger)
	assert.Equal(t, DefaultCloseTimeout, c.CloseTimeout)

	c = Config{MaxConcurrentRequests: -3}
	require.ErrorIs(t, c.Validate(), ErrInvalidMaxConcurrentRequests)

	c = Config{Parallelism: -1}
	require.Error(t, c.Validate())
}

func TestWindowGrow(t *testing.T) {
	w := NewWindow(8, 1, 10)

	// 6 of 8 is below the 80% mark
	for i := 0; i < 6; i++ {
		w.Begin()
	}
	assert.False(t, w.TryGrow())

	w.Begin()
	assert.True(t, w.TryGrow())
	assert.Equal(t, 9, w.Size())

	w.Begin()
	assert.True(t, w.TryGrow())
	assert.Equal(t, 10, w.Size())

	w.Begin()
	w.Begin()
	assert.False(t, w.TryGrow(), "window must not exceed its maximum")
	assert.Equal(t, 10, w.Size())
}

func TestWindowShrink(t *testing.T) {
	w := NewWindow(8, 2, 10)
	w.Begin()
	w.Begin()
	// 2 of 8 is not below 20%
	assert.False(t, w.TryShrink())

	w.End()
	assert.True(t, w.TryShrink())
	assert.Equal(t, 7, w.Size())

	w.End()
	for w.TryShrink() {
	}
	assert.Equal(t, 2, w.Size(), "window must not drop below its minimum")
	assert.Equal(t, 0, w.Outstanding())
}

func TestWindowClampsBounds(t *testing.T) {
	w := NewWindow(50, 20, 10)
	assert.Equal(t, 10, w.Maximum())
	assert.Equal(t, 10, w.Minimum())
	assert.Equal(t, 10, w.Size())

	w = NewWindow(0, 0, 0)
	assert.Equal(t, 1, w.Size())
}

func TestWindowConcurrentAdjustmentsStayInBounds(t *testing.T) {
	w := NewWindow(4, 2, 16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				w.Begin()
				w.TryGrow()
				size := w.Size()
				assert.True(t, size >= 2 && size <= 16, "size %d out of bounds", size)
				w.End()
				w.TryShrink()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, w.Outstanding())
	assert.GreaterOrEqual(t, w.Size(), 2)
	assert.LessOrEqual(t, w.Size(), 16)
}
