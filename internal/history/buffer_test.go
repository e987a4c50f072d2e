package history

import (
	"sync"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func TestBuffer_EvictsOldest(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		appends  int
	}{
		{name: "below capacity", capacity: 5, appends: 3},
		{name: "exactly full", capacity: 5, appends: 5},
		{name: "overflow by k", capacity: 5, appends: 12},
		{name: "capacity one", capacity: 1, appends: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			b := New[int](tt.capacity)

			for i := range tt.appends {
				b.Append(i)
				req.LessOrEqual(b.Len(), tt.capacity)
			}

			first := max(0, tt.appends-tt.capacity)
			req.Equal(lo.RangeFrom(first, tt.appends-first), b.Snapshot())
		})
	}
}

func TestBuffer_SnapshotIsACopy(t *testing.T) {
	req := require.New(t)
	b := New[string](3)
	b.Append("a")
	b.Append("b")

	snap := b.Snapshot()
	snap[0] = "mutated"
	b.Append("c")
	b.Append("d")

	req.Equal([]string{"b", "c", "d"}, b.Snapshot())
	req.Equal([]string{"mutated", "b"}, snap)
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	req := require.New(t)

	req.Equal(DefaultCapacity, New[int](0).Cap())
	req.Empty(New[int](4).Snapshot())
}

func TestBuffer_ConcurrentAppendAndSnapshot(t *testing.T) {
	req := require.New(t)
	b := New[int](50)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				b.Append(w*1000 + i)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				req.LessOrEqual(len(b.Snapshot()), 50)
			}
		}()
	}
	wg.Wait()

	req.Equal(50, b.Len())
}
