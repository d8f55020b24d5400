package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLocksSerializeSameKey(t *testing.T) {
	locks := NewSessionLocks()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("S1")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside)
	assert.Equal(t, 0, locks.Len())
}

func TestSessionLocksIndependentKeys(t *testing.T) {
	locks := NewSessionLocks()
	unlockA := locks.Lock("A")

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("B")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on B waited for A")
	}
	unlockA()
	unlockA()
	assert.Equal(t, 0, locks.Len())
}

func TestSafeGoRecoversPanic(t *testing.T) {
	recovered := make(chan any, 1)
	SafeGo(context.Background(), "boom", func(context.Context) {
		panic("boom")
	}, func(r any) { recovered <- r })

	select {
	case r := <-recovered:
		require.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic was not recovered")
	}
}
