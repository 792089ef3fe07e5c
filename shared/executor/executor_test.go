package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meidoworks/nekoq-coord/shared/executor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPool(t *testing.T, core, max, queue int) *executor.Pool {
	p, err := executor.NewPool(executor.Config{
		Name:            "test",
		CorePoolSize:    core,
		MaximumPoolSize: max,
		KeepAlive:       50 * time.Millisecond,
		WorkQueueSize:   queue,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		p.ShutdownNow()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.AwaitTermination(ctx)
	})
	return p
}

func TestInvalidConfig(t *testing.T) {
	_, err := executor.NewPool(executor.Config{CorePoolSize: 0, MaximumPoolSize: 1, WorkQueueSize: 1})
	assert.Error(t, err)
	_, err = executor.NewPool(executor.Config{CorePoolSize: 2, MaximumPoolSize: 1, WorkQueueSize: 1})
	assert.Error(t, err)
	_, err = executor.NewPool(executor.Config{CorePoolSize: 1, MaximumPoolSize: 1, WorkQueueSize: 0})
	assert.Error(t, err)
}

func TestRunsAllTasks(t *testing.T) {
	p := newPool(t, 2, 4, 128)
	wg := new(sync.WaitGroup)
	wg.Add(100)
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(wg.Done))
	}
	wg.Wait()
}

func TestRejectsWhenSaturated(t *testing.T) {
	p := newPool(t, 1, 2, 1)
	release := make(chan struct{})
	block := func() { <-release }

	require.NoError(t, p.Submit(block)) // core worker
	require.NoError(t, p.Submit(block)) // queued
	require.NoError(t, p.Submit(block)) // extra worker
	err := p.Submit(block)
	assert.True(t, errors.Is(err, executor.ErrRejected))
	assert.Equal(t, int64(1), p.Rejected())
	assert.Equal(t, 2, p.Workers())
	close(release)
}

func TestExtraWorkersRetire(t *testing.T) {
	p := newPool(t, 1, 3, 1)
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(func() { <-release }))
	}
	assert.Equal(t, 3, p.Workers())
	close(release)

	assert.Eventually(t, func() bool {
		return p.Workers() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := newPool(t, 1, 1, 4)
	require.NoError(t, p.Submit(func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task after panic did not run")
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	p := newPool(t, 1, 1, 16)
	var lock sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() {
			lock.Lock()
			ran++
			lock.Unlock()
		}))
	}
	p.Shutdown()
	assert.ErrorIs(t, p.Submit(func() {}), executor.ErrShutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.AwaitTermination(ctx))
	assert.Equal(t, 10, ran)
}

func TestSerialKeepsOrder(t *testing.T) {
	p := newPool(t, 4, 4, 64)
	s := executor.NewSerial(p)

	var lock sync.Mutex
	var order []int
	wg := new(sync.WaitGroup)
	wg.Add(200)
	for i := 0; i < 200; i++ {
		i := i
		require.NoError(t, s.Submit(func() {
			lock.Lock()
			order = append(order, i)
			lock.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	for i, v := range order {
		if i != v {
			t.Fatal("serial executor reordered tasks at", i)
		}
	}
	assert.Equal(t, 0, s.Pending())
}

func TestSerialRejectedTaskIsDiscarded(t *testing.T) {
	p := newPool(t, 1, 1, 1)
	release := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-release }))
	require.NoError(t, p.Submit(func() {}))

	s := executor.NewSerial(p)
	ran := make(chan string, 2)
	err := s.Submit(func() { ran <- "rejected" })
	assert.ErrorIs(t, err, executor.ErrRejected)
	assert.Equal(t, 0, s.Pending())

	close(release)
	require.Eventually(t, func() bool {
		return s.Submit(func() { ran <- "accepted" }) == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "accepted", <-ran)
	select {
	case v := <-ran:
		t.Fatal("unexpected task run:", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSerialNeverOverlaps(t *testing.T) {
	p := newPool(t, 4, 4, 64)
	s := executor.NewSerial(p)
	var running, overlaps int
	var lock sync.Mutex
	wg := new(sync.WaitGroup)
	wg.Add(50)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Submit(func() {
			defer wg.Done()
			lock.Lock()
			running++
			if running > 1 {
				overlaps++
			}
			lock.Unlock()
			time.Sleep(time.Millisecond)
			lock.Lock()
			running--
			lock.Unlock()
		}))
	}
	wg.Wait()
	assert.Equal(t, 0, overlaps)
}
