package scheduler

import (
	"sync"
	"testing"
)

func TestKeyLockSerializesPerKey(t *testing.T) {
	t.Parallel()

	var k keyLock
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter=%d", counter)
	}
	if n := k.size(); n != 0 {
		t.Fatalf("leaked %d entries", n)
	}
}

func TestKeyLockIndependentKeys(t *testing.T) {
	t.Parallel()

	var k keyLock
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
