package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateLocks_BlocksOverlappingDates(t *testing.T) {
	locks := NewDateLocks()
	d1 := NewDate(2025, time.March, 10)
	d2 := NewDate(2025, time.March, 11)

	// GIVEN: One holder of d2
	unlock, err := locks.Lock(context.Background(), "cal-1", d2)
	require.NoError(t, err)

	// WHEN: A second caller wants d1 and d2
	acquired := make(chan func(), 1)
	go func() {
		u, err := locks.Lock(context.Background(), "cal-1", d2, d1)
		if err == nil {
			acquired <- u
		}
	}()

	// THEN: It waits until d2 is released
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case u := <-acquired:
		u()
	case <-time.After(time.Second):
		t.Fatal("lock not acquired after release")
	}
	assert.Equal(t, 0, locks.held())
}

func TestDateLocks_OtherCalendarIndependent(t *testing.T) {
	locks := NewDateLocks()
	d := NewDate(2025, time.March, 10)

	unlock, err := locks.Lock(context.Background(), "cal-1", d)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := locks.Lock(ctx, "cal-2", d)
	require.NoError(t, err)
	other()
}

func TestDateLocks_ContextCancelReleasesPartial(t *testing.T) {
	locks := NewDateLocks()
	d1 := NewDate(2025, time.March, 10)
	d2 := NewDate(2025, time.March, 11)

	// GIVEN: d2 is held
	unlock, err := locks.Lock(context.Background(), "cal-1", d2)
	require.NoError(t, err)

	// WHEN: A caller gives up waiting for d1+d2
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "cal-1", d1, d2)

	// THEN: The error is the context's and d1 was not left locked
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	unlock()
	assert.Equal(t, 0, locks.held())

	again, err := locks.Lock(context.Background(), "cal-1", d1)
	require.NoError(t, err)
	again()
}

func TestDateLocks_UnlockIdempotent(t *testing.T) {
	locks := NewDateLocks()
	d := NewDate(2025, time.March, 10)

	unlock, err := locks.Lock(context.Background(), "cal-1", d, d)
	require.NoError(t, err)
	unlock()
	unlock()
	assert.Equal(t, 0, locks.held())
}
