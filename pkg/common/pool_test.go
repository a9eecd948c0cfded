package common_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jitsi-go/jicofo/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskPool_SubmitExecutes(t *testing.T) {
	pool := common.NewTaskPool(2)
	defer pool.Stop()

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}
}

func TestTaskPool_SubmitAfterStop(t *testing.T) {
	pool := common.NewTaskPool(1)
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(func() {}), common.ErrPoolClosed)
}

func TestTaskPool_RunWaitsForCompletion(t *testing.T) {
	pool := common.NewTaskPool(1)
	defer pool.Stop()

	ran := false
	require.NoError(t, pool.Run(func() {
		time.Sleep(20 * time.Millisecond)
		ran = true
	}))
	assert.True(t, ran, "Run returned before the task finished")
}

func TestTaskPool_ConcurrentSubmitters(t *testing.T) {
	pool := common.NewTaskPool(4)
	defer pool.Stop()

	var wg sync.WaitGroup
	executed := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Submit(func() { executed <- struct{}{} }); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 64; i++ {
		select {
		case <-executed:
		case <-time.After(time.Second):
			t.Fatal("not every submitted task ran")
		}
	}
}
