package main

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// replacePageSize is the page size used when the non-atomic fallback
// enumerates existing rows.
const replacePageSize = 1000

// BulkEngine performs many-row mutations over an upstream that only offers
// single-row primitives plus an async whole-table replace task.
type BulkEngine struct {
	up           Upstream
	concurrency  int
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewBulkEngine builds an engine with the given concurrency bound on
// outbound row operations.
func NewBulkEngine(up Upstream, concurrency int, pollInterval, maxWait time.Duration) *BulkEngine {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &BulkEngine{
		up:           up,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		maxWait:      maxWait,
	}
}

// BatchCreate creates every row through the single-row primitive, at most
// concurrency at a time. Each row's outcome is captured independently; one
// row's failure never cancels or affects a sibling. Results are ordered by
// input index regardless of completion order.
func (e *BulkEngine) BatchCreate(ctx context.Context, access, table string, rows []Row) []RowResult {
	results := make([]RowResult, len(rows))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			created, err := e.up.CreateRow(ctx, access, table, row)
			if err != nil {
				results[i] = RowResult{Index: i, Error: err.Error()}
			} else {
				results[i] = RowResult{Index: i, Success: true, Data: created}
			}
			return nil
		})
	}
	// Workers never return errors; Wait is only the join point.
	g.Wait()
	return results
}

// ReplaceAll replaces the table's entire contents. When the upstream offers
// the async replace task the operation is atomic; otherwise it falls back to
// delete-then-recreate, which leaves the table empty or partially populated
// if interrupted — the result says which strategy ran.
func (e *BulkEngine) ReplaceAll(ctx context.Context, access, table string, rows []Row) (*ReplaceResult, error) {
	if !e.up.SupportsReplaceTask() {
		return e.replaceByRewrite(ctx, access, table, rows)
	}

	taskID, err := e.up.StartReplaceTask(ctx, access, table, rows)
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		// Small tables complete synchronously.
		return &ReplaceResult{Success: true, RowsReplaced: len(rows), Atomic: true}, nil
	}

	log.Printf("replace %s: polling task %s", table, taskID)
	deadline := time.Now().Add(e.maxWait)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			// The upstream task is not cancelled and may still complete;
			// only the local wait is over.
			return nil, fmt.Errorf("%w after %s; the upstream task may still complete", ErrReplaceTimeout, e.maxWait)
		}

		task, err := e.up.PollTask(ctx, access, taskID)
		if err != nil {
			return nil, err
		}
		switch task.Status {
		case TaskCompleted:
			return &ReplaceResult{Success: true, RowsReplaced: len(rows), Atomic: true}, nil
		case TaskFailed:
			return &ReplaceResult{Atomic: true, Error: task.ErrorMessage()}, nil
		case TaskCancelled:
			return &ReplaceResult{Atomic: true, Error: "operation was cancelled"}, nil
		}
		// NotStarted, InProgress, or unknown: keep polling.
	}
}

// replaceByRewrite is the non-atomic fallback: enumerate every existing row
// by paged reads, delete them under the engine's concurrency bound, then
// batch-create the new rows. Per-row delete failures are logged and counted
// but abort neither the remaining deletes nor the create phase.
func (e *BulkEngine) replaceByRewrite(ctx context.Context, access, table string, rows []Row) (*ReplaceResult, error) {
	var keys []string
	offset := 0
	for {
		page, err := e.up.GetRows(ctx, access, table, replacePageSize, offset, "")
		if err != nil {
			return nil, err
		}
		for _, row := range page.Rows {
			if k, ok := row["_key"]; ok {
				keys = append(keys, fmt.Sprint(k))
			}
		}
		if len(page.Rows) < replacePageSize {
			break
		}
		offset += replacePageSize
	}

	var deleteFailures atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			if err := e.up.DeleteRow(ctx, access, table, k); err != nil {
				log.Printf("replace %s: delete row %s: %v", table, k, err)
				deleteFailures.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	summary := summarize(e.BatchCreate(ctx, access, table, rows))

	res := &ReplaceResult{
		RowsReplaced: summary.Succeeded,
		Atomic:       false,
	}
	switch {
	case deleteFailures.Load() > 0:
		res.Error = fmt.Sprintf("%d of %d existing rows could not be deleted", deleteFailures.Load(), len(keys))
	case summary.Failed > 0:
		res.Error = fmt.Sprintf("%d of %d rows failed to create", summary.Failed, summary.Total)
	default:
		res.Success = true
	}
	return res, nil
}
