package loom

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunnerOrdering(t *testing.T) {
	r := NewRunner()
	defer r.Close()

	var mu sync.Mutex
	var got []int
	for i := range 100 {
		i := i
		require.NoError(t, r.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v, "tasks ran out of post order")
	}
}

func TestRunnerCloseDrainsPostedTasks(t *testing.T) {
	r := NewRunner()

	var mu sync.Mutex
	ran := 0
	for range 50 {
		require.NoError(t, r.Post(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}
	r.Close()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, ran)
}

func TestRunnerPostAfterClose(t *testing.T) {
	r := NewRunner()
	r.Close()
	<-r.Done()

	err := r.Post(func() { t.Fatalf("task must not run") })
	require.ErrorIs(t, err, ErrRunnerClosed)
}

func TestRunnerTasksPostMoreTasks(t *testing.T) {
	r := NewRunner()

	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		require.NoError(t, r.Post(func() {
			close(done)
		}))
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("nested task never ran")
	}
	r.Close()
}
