package media

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceLease_Exclusive(t *testing.T) {
	lease := NewDeviceLease()

	require.NoError(t, lease.TryAcquire("call-1"))
	assert.Equal(t, "call-1", lease.Holder())

	// Вторая сессия получает отказ сразу, без ожидания
	err := lease.TryAcquire("intercom-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceBusy))

	// Повторный захват тем же владельцем - тоже отказ
	err = lease.TryAcquire("call-1")
	assert.True(t, errors.Is(err, ErrDeviceBusy))

	lease.Release("call-1")
	assert.Equal(t, "", lease.Holder())
	assert.NoError(t, lease.TryAcquire("intercom-1"))
}

func TestDeviceLease_ForeignRelease(t *testing.T) {
	lease := NewDeviceLease()
	require.NoError(t, lease.TryAcquire("call-1"))

	// Чужое освобождение игнорируется
	lease.Release("intercom-1")
	assert.Equal(t, "call-1", lease.Holder())
}

func TestDeviceLease_ConcurrentAcquire(t *testing.T) {
	lease := NewDeviceLease()

	const goroutines = 32
	var wg sync.WaitGroup
	acquired := make(chan string, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			holder := string(rune('a' + n%26))
			if err := lease.TryAcquire(holder); err == nil {
				acquired <- holder
			}
		}(i)
	}
	wg.Wait()
	close(acquired)

	// Ровно один победитель
	var winners []string
	for h := range acquired {
		winners = append(winners, h)
	}
	require.Len(t, winners, 1)
	assert.Equal(t, winners[0], lease.Holder())
}
