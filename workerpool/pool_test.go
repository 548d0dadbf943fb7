package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunVisitsEveryItem(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var total int64
	Run(items, 2, func(i int) {
		atomic.AddInt64(&total, int64(i))
	})
	require.EqualValues(t, 15, total)
}

func TestRunBoundIsClamped(t *testing.T) {
	// bound larger than len(items) and bound <= 0 must not panic.
	Run([]int{1}, 0, func(int) {})
	Run([]int{1, 2}, 100, func(int) {})
}

func TestRunErrCollectsPerItem(t *testing.T) {
	items := []int{1, 2, 3}
	errs := RunErr(items, 2, func(i int) error {
		if i == 2 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, errs[0])
	require.Error(t, errs[1])
	require.NoError(t, errs[2])
}
