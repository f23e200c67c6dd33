//go:build integration

package syncutil_test

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/peopledesk/internal/syncutil"
	"github.com/mbd888/peopledesk/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two lockers stand in for two server replicas.
func TestAdvisoryLocker_ExcludesAcrossPools(t *testing.T) {
	url := testutil.PGURL(t)
	a, err := syncutil.NewAdvisoryLocker(url, 2)
	require.NoError(t, err)
	defer a.Close()
	b, err := syncutil.NewAdvisoryLocker(url, 2)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	unlock, err := a.Lock(ctx, "ten_advisory")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = b.Lock(short, "ten_advisory")
	assert.Error(t, err, "second replica must wait while the first holds the key")

	other, err := b.Lock(ctx, "ten_other")
	require.NoError(t, err)
	other()

	unlock()
	again, err := b.Lock(ctx, "ten_advisory")
	require.NoError(t, err)
	again()
}

func TestKeyedMutex_WithAdvisoryRemote(t *testing.T) {
	locker, err := syncutil.NewAdvisoryLocker(testutil.PGURL(t), 4)
	require.NoError(t, err)
	defer locker.Close()
	first := syncutil.NewKeyedMutex().WithRemote(locker)
	second := syncutil.NewKeyedMutex().WithRemote(locker)

	ctx := context.Background()
	unlock, err := first.LockContext(ctx, "ten_shared")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = second.LockContext(short, "ten_shared")
	assert.Error(t, err)
	assert.Zero(t, second.Held())

	unlock()
	unlock2, err := second.LockContext(ctx, "ten_shared")
	require.NoError(t, err)
	unlock2()
}
