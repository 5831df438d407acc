package parallel

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"fedreg/domain/core"
	"fedreg/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_IsolatesColumnFailures(t *testing.T) {
	results := make([]int, 100)
	exec := NewExecutor(4)

	errs, err := exec.Run(context.Background(), len(results), func(ctx context.Context, col int) error {
		if col%10 == 3 {
			return fmt.Errorf("voxel %d: %w", col, core.ErrSingularMatrix)
		}
		results[col] = col * col
		return nil
	})
	require.NoError(t, err)

	failed := 0
	for i, e := range errs {
		if i%10 == 3 {
			assert.Error(t, e)
			failed++
			continue
		}
		assert.NoError(t, e)
		assert.Equal(t, i*i, results[i])
	}
	assert.Equal(t, 10, failed)

	labels := make([]string, 100)
	for i := range labels {
		labels[i] = fmt.Sprintf("v%d", i)
	}
	report := Failures(errs, labels, "site_A")
	require.Len(t, report, 10)
	assert.Equal(t, 3, report[0].Column)
	assert.Equal(t, "v3", report[0].Label)
	assert.Equal(t, "site_A", report[0].Site)
	assert.Equal(t, errors.CodeNumericalFailure, report[0].Code)
}

func TestExecutor_RecoversPanics(t *testing.T) {
	errs, err := NewExecutor(2).Run(context.Background(), 3, func(ctx context.Context, col int) error {
		if col == 1 {
			var m map[string]int
			m["boom"] = 1
		}
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.Equal(t, errors.CodeInternalError, errors.GetCode(errs[1]))
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	var inFlight, peak int64
	_, err := NewExecutor(3).Run(context.Background(), 50, func(ctx context.Context, col int) error {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		atomic.AddInt64(&inFlight, -1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int64(3))
}

func TestExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExecutor(2).Run(ctx, 5, func(ctx context.Context, col int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
