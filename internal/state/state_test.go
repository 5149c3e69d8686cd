package state

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMachine_Lifecycle(t *testing.T) {
	var m Machine
	assert.Equal(t, Uninitialized, m.Load())

	assert.False(t, m.Begin(), "cannot report before initialization")
	assert.True(t, m.Initialize())
	assert.False(t, m.Initialize())
	assert.Equal(t, Initialized, m.Load())

	assert.True(t, m.Begin())
	assert.False(t, m.Begin())
	assert.Equal(t, Handling, m.Load())

	assert.True(t, m.Finish())
	assert.False(t, m.Finish())
	assert.Equal(t, "handled", m.Load().String())
}

func TestMachine_SingleWinner(t *testing.T) {
	var m Machine
	m.Initialize()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Begin() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCrashState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "initialized", Initialized.String())
	assert.Equal(t, "handling", Handling.String())
	assert.Equal(t, "unknown", CrashState(42).String())
}
