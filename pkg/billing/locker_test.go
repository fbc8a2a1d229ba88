package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

func TestKeyedMutex_Exclusion(t *testing.T) {
	km := billing.NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "account:u1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
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

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, km.Len(), "entries are dropped once released")
}

func TestKeyedMutex_Timeout(t *testing.T) {
	km := billing.NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := km.Lock(context.Background(), "other")
	require.NoError(t, err, "keys are independent")
	other()

	unlock()
	unlock() // second call is a no-op
	assert.Zero(t, km.Len())

	again, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}
