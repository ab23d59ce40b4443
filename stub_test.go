package main

import (
	"context"
	"fmt"
)

// stubUpstream is a configurable Upstream for tests. Unset operations fail
// loudly so a test only exercises what it wired.
type stubUpstream struct {
	supportsReplace bool

	exchange     func(ctx context.Context, code string) (*Token, error)
	refresh      func(ctx context.Context, refreshToken string) (*Token, error)
	listTables   func(ctx context.Context, access string) ([]Row, error)
	getRows      func(ctx context.Context, access, table string, limit, offset int, filter string) (*RowsPage, error)
	getRow       func(ctx context.Context, access, table, key string) (Row, error)
	createRow    func(ctx context.Context, access, table string, data Row) (Row, error)
	updateRow    func(ctx context.Context, access, table, key string, data Row) (Row, error)
	deleteRow    func(ctx context.Context, access, table, key string) error
	startReplace func(ctx context.Context, access, table string, rows []Row) (string, error)
	pollTask     func(ctx context.Context, access, taskID string) (*TaskInfo, error)
}

func (s *stubUpstream) AuthorizationURL(state string, scopes []string) string {
	return "https://upstream.test/oauth/Authorize?state=" + state
}

func (s *stubUpstream) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	if s.exchange == nil {
		return nil, fmt.Errorf("stub: ExchangeCode not wired")
	}
	return s.exchange(ctx, code)
}

func (s *stubUpstream) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if s.refresh == nil {
		return nil, fmt.Errorf("stub: Refresh not wired")
	}
	return s.refresh(ctx, refreshToken)
}

func (s *stubUpstream) ListTables(ctx context.Context, access string) ([]Row, error) {
	if s.listTables == nil {
		return nil, fmt.Errorf("stub: ListTables not wired")
	}
	return s.listTables(ctx, access)
}

func (s *stubUpstream) RowCount(ctx context.Context, access, table string) (int, error) {
	return 0, fmt.Errorf("stub: RowCount not wired")
}

func (s *stubUpstream) TableSchema(ctx context.Context, access, table string) ([]ColumnInfo, error) {
	return nil, fmt.Errorf("stub: TableSchema not wired")
}

func (s *stubUpstream) GetRows(ctx context.Context, access, table string, limit, offset int, filter string) (*RowsPage, error) {
	if s.getRows == nil {
		return nil, fmt.Errorf("stub: GetRows not wired")
	}
	return s.getRows(ctx, access, table, limit, offset, filter)
}

func (s *stubUpstream) GetRow(ctx context.Context, access, table, key string) (Row, error) {
	if s.getRow == nil {
		return nil, fmt.Errorf("stub: GetRow not wired")
	}
	return s.getRow(ctx, access, table, key)
}

func (s *stubUpstream) CreateRow(ctx context.Context, access, table string, data Row) (Row, error) {
	if s.createRow == nil {
		return nil, fmt.Errorf("stub: CreateRow not wired")
	}
	return s.createRow(ctx, access, table, data)
}

func (s *stubUpstream) UpdateRow(ctx context.Context, access, table, key string, data Row) (Row, error) {
	if s.updateRow == nil {
		return nil, fmt.Errorf("stub: UpdateRow not wired")
	}
	return s.updateRow(ctx, access, table, key, data)
}

func (s *stubUpstream) DeleteRow(ctx context.Context, access, table, key string) error {
	if s.deleteRow == nil {
		return fmt.Errorf("stub: DeleteRow not wired")
	}
	return s.deleteRow(ctx, access, table, key)
}

func (s *stubUpstream) StartReplaceTask(ctx context.Context, access, table string, rows []Row) (string, error) {
	if s.startReplace == nil {
		return "", fmt.Errorf("stub: StartReplaceTask not wired")
	}
	return s.startReplace(ctx, access, table, rows)
}

func (s *stubUpstream) PollTask(ctx context.Context, access, taskID string) (*TaskInfo, error) {
	if s.pollTask == nil {
		return nil, fmt.Errorf("stub: PollTask not wired")
	}
	return s.pollTask(ctx, access, taskID)
}

func (s *stubUpstream) SupportsReplaceTask() bool { return s.supportsReplace }
