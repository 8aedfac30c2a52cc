package store

import (
	"sync"
	"testing"
	"time"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	k := newKeyLock()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("alice")
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max holders = %d, want 1", maxInside)
	}
	if k.size() != 0 {
		t.Errorf("entries left = %d, want 0", k.size())
	}
}

func TestKeyLockIndependentKeys(t *testing.T) {
	k := newKeyLock()

	unlockA := k.Lock("alice")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("bob")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}
