package settlement

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionAllowed(t *testing.T) {
	assert.True(t, transitionAllowed(StatusPending, StatusProcessing))
	assert.True(t, transitionAllowed(StatusProcessing, StatusCompleted))
	assert.True(t, transitionAllowed(StatusProcessing, StatusFailed))

	assert.False(t, transitionAllowed(StatusPending, StatusCompleted))
	assert.False(t, transitionAllowed(StatusPending, StatusFailed))
	assert.False(t, transitionAllowed(StatusCompleted, StatusProcessing))
	assert.False(t, transitionAllowed(StatusFailed, StatusProcessing))
	assert.False(t, transitionAllowed(StatusCompleted, StatusFailed))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(StatusCompleted))
	assert.True(t, isTerminal(StatusFailed))
	assert.False(t, isTerminal(StatusPending))
	assert.False(t, isTerminal(StatusProcessing))
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	locks := newKeyedMutex()

	var counter int
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("same")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Empty(t, locks.locks)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	locks := newKeyedMutex()

	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")

	unlockA()
	unlockB()

	assert.Empty(t, locks.locks)
}
