package utils_test

import (
	"cnn-backend/internal/core/utils"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMap_RunSequentiallyWhenSameKey(t *testing.T) {
	m := utils.NewMutexMap[string](10)
	key := "test"

	sleepDuration := 100 * time.Millisecond

	routine := func(wait chan bool) {
		if err := m.Lock(key); err != nil {
			t.Errorf("Error locking key: %v", err)
		}
		time.Sleep(sleepDuration)
		if err := m.Unlock(key); err != nil {
			t.Errorf("Error unlocking key: %v", err)
		}
		wait <- true
	}

	wait1 := make(chan bool)
	wait2 := make(chan bool)

	start := time.Now()
	go routine(wait1)
	go routine(wait2)

	<-wait1
	<-wait2

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 2*sleepDuration)
	assert.Equal(t, 0, m.Len())
}

func TestMutexMap_TryLock(t *testing.T) {
	m := utils.NewMutexMap[uuid.UUID](10)
	id := uuid.New()

	ok, err := m.TryLock(id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TryLock(id)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.TryLock(uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Unlock(id))
	assert.Equal(t, 1, m.Len())

	ok, err = m.TryLock(id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMutexMap_MaxSize(t *testing.T) {
	m := utils.NewMutexMap[int](1)
	require.NoError(t, m.Lock(1))

	assert.Error(t, m.Lock(2))
	assert.Error(t, m.Unlock(2))
	require.NoError(t, m.Unlock(1))
	require.NoError(t, m.Lock(2))
}
