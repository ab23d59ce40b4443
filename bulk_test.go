package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatchCreateOrdersResultsByIndex(t *testing.T) {
	up := &stubUpstream{
		createRow: func(ctx context.Context, access, table string, data Row) (Row, error) {
			if data["name"] == "B" {
				return nil, fmt.Errorf("column 'name' rejects value B")
			}
			created := Row{"_key": data["name"]}
			for k, v := range data {
				created[k] = v
			}
			return created, nil
		},
	}
	e := NewBulkEngine(up, 5, time.Millisecond, time.Second)

	rows := []Row{{"name": "A"}, {"name": "B"}, {"name": "C"}}
	results := e.BatchCreate(context.Background(), "tok", "people", rows)

	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, i, r.Index)
	}
	require.True(t, results[0].Success)
	require.Equal(t, "A", results[0].Data["name"])
	require.False(t, results[1].Success)
	require.Contains(t, results[1].Error, "rejects value B")
	require.Nil(t, results[1].Data)
	require.True(t, results[2].Success)

	s := summarize(results)
	require.Equal(t, 3, s.Total)
	require.Equal(t, 2, s.Succeeded)
	require.Equal(t, 1, s.Failed)
}

func TestBatchCreateBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	up := &stubUpstream{
		createRow: func(ctx context.Context, access, table string, data Row) (Row, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return data, nil
		},
	}
	e := NewBulkEngine(up, 2, time.Millisecond, time.Second)

	rows := make([]Row, 12)
	for i := range rows {
		rows[i] = Row{"n": i}
	}
	results := e.BatchCreate(context.Background(), "tok", "people", rows)

	require.Len(t, results, 12)
	require.LessOrEqual(t, peak.Load(), int64(2))
}

func TestReplaceAllSynchronousCompletion(t *testing.T) {
	up := &stubUpstream{
		supportsReplace: true,
		startReplace: func(ctx context.Context, access, table string, rows []Row) (string, error) {
			return "", nil
		},
	}
	e := NewBulkEngine(up, 5, time.Millisecond, time.Second)

	res, err := e.ReplaceAll(context.Background(), "tok", "people", []Row{{"n": 1}, {"n": 2}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Atomic)
	require.Equal(t, 2, res.RowsReplaced)
}

func TestReplaceAllPollsUntilCompleted(t *testing.T) {
	var polls atomic.Int64
	up := &stubUpstream{
		supportsReplace: true,
		startReplace: func(ctx context.Context, access, table string, rows []Row) (string, error) {
			return "42", nil
		},
		pollTask: func(ctx context.Context, access, taskID string) (*TaskInfo, error) {
			require.Equal(t, "42", taskID)
			if polls.Add(1) < 3 {
				return &TaskInfo{Status: TaskInProgress}, nil
			}
			return &TaskInfo{Status: TaskCompleted}, nil
		},
	}
	e := NewBulkEngine(up, 5, time.Millisecond, time.Second)

	res, err := e.ReplaceAll(context.Background(), "tok", "people", []Row{{"n": 1}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Atomic)
	require.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestReplaceAllTaskFailed(t *testing.T) {
	up := &stubUpstream{
		supportsReplace: true,
		startReplace: func(ctx context.Context, access, table string, rows []Row) (string, error) {
			return "42", nil
		},
		pollTask: func(ctx context.Context, access, taskID string) (*TaskInfo, error) {
			return &TaskInfo{
				Status: TaskFailed,
				Errors: []TaskError{{Title: "Import failed", Detail: "duplicate key"}},
			}, nil
		},
	}
	e := NewBulkEngine(up, 5, time.Millisecond, time.Second)

	res, err := e.ReplaceAll(context.Background(), "tok", "people", []Row{{"n": 1}})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.True(t, res.Atomic)
	require.Contains(t, res.Error, "duplicate key")
}

func TestReplaceAllTimesOut(t *testing.T) {
	up := &stubUpstream{
		supportsReplace: true,
		startReplace: func(ctx context.Context, access, table string, rows []Row) (string, error) {
			return "42", nil
		},
		pollTask: func(ctx context.Context, access, taskID string) (*TaskInfo, error) {
			return &TaskInfo{Status: TaskInProgress}, nil
		},
	}
	e := NewBulkEngine(up, 5, 5*time.Millisecond, 30*time.Millisecond)

	_, err := e.ReplaceAll(context.Background(), "tok", "people", []Row{{"n": 1}})
	require.ErrorIs(t, err, ErrReplaceTimeout)
}

func TestReplaceAllFallbackRewrite(t *testing.T) {
	var deleted atomic.Int64
	up := &stubUpstream{
		supportsReplace: false,
		getRows: func(ctx context.Context, access, table string, limit, offset int, filter string) (*RowsPage, error) {
			if offset > 0 {
				return &RowsPage{Total: 2}, nil
			}
			return &RowsPage{Rows: []Row{{"_key": float64(1)}, {"_key": float64(2)}}, Total: 2}, nil
		},
		deleteRow: func(ctx context.Context, access, table, key string) error {
			deleted.Add(1)
			return nil
		},
		createRow: func(ctx context.Context, access, table string, data Row) (Row, error) {
			return data, nil
		},
	}
	e := NewBulkEngine(up, 5, time.Millisecond, time.Second)

	res, err := e.ReplaceAll(context.Background(), "tok", "people", []Row{{"n": 1}, {"n": 2}, {"n": 3}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Atomic)
	require.Equal(t, 3, res.RowsReplaced)
	require.Equal(t, int64(2), deleted.Load())
}

func TestReplaceAllFallbackDeleteFailuresDoNotAbort(t *testing.T) {
	var created atomic.Int64
	up := &stubUpstream{
		supportsReplace: false,
		getRows: func(ctx context.Context, access, table string, limit, offset int, filter string) (*RowsPage, error) {
			return &RowsPage{Rows: []Row{{"_key": float64(1)}, {"_key": float64(2)}}, Total: 2}, nil
		},
		deleteRow: func(ctx context.Context, access, table, key string) error {
			if key == "2" {
				return fmt.Errorf("row is locked")
			}
			return nil
		},
		createRow: func(ctx context.Context, access, table string, data Row) (Row, error) {
			created.Add(1)
			return data, nil
		},
	}
	e := NewBulkEngine(up, 5, time.Millisecond, time.Second)

	res, err := e.ReplaceAll(context.Background(), "tok", "people", []Row{{"n": 1}})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.False(t, res.Atomic)
	require.Contains(t, res.Error, "could not be deleted")
	// The create phase still ran.
	require.Equal(t, int64(1), created.Load())
}
