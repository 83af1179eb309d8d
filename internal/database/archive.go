package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"AIHubRealtime/internal/logstore"
)

// TableName 归档表名
const TableName = "stream_logs"

const schemaSQL = `CREATE TABLE IF NOT EXISTS stream_logs (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT        NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	type       TEXT        NOT NULL,
	source     TEXT        NOT NULL DEFAULT '',
	message    JSONB,
	count      INTEGER     NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS stream_logs_session_idx ON stream_logs (session_id, ts);`

var columns = []string{"session_id", "ts", "type", "source", "message", "count"}

// DB 归档需要的数据库能力，*pgxpool.Pool 满足
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// EnsureSchema 建表
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create %s table: %w", TableName, err)
	}
	return nil
}

// ArchiveOptions 归档选项
type ArchiveOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	// SessionID 返回当前会话标识
	SessionID func() string
}

type row struct {
	sessionID string
	entry     logstore.StreamingLog
}

// Archive 订阅日志存储并批量写入数据库
type Archive struct {
	db   DB
	opts ArchiveOptions

	mu      sync.Mutex
	pending []row
	written int64
	failed  int64

	flushCh chan struct{}
}

// NewArchive 创建归档器
func NewArchive(db DB, opts ArchiveOptions) *Archive {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.SessionID == nil {
		opts.SessionID = func() string { return "" }
	}
	return &Archive{
		db:      db,
		opts:    opts,
		flushCh: make(chan struct{}, 1),
	}
}

// Attach 订阅日志存储，返回取消订阅函数
//
// 合并的重复日志只更新尚未写入的那一行的计数。
func (a *Archive) Attach(store *logstore.Store) (detach func()) {
	return store.Subscribe(a.add)
}

func (a *Archive) add(entry logstore.StreamingLog, coalesced bool) {
	a.mu.Lock()
	if coalesced {
		if n := len(a.pending); n > 0 && a.pending[n-1].entry.Timestamp.Equal(entry.Timestamp) {
			a.pending[n-1].entry.Count = entry.Count
		}
		a.mu.Unlock()
		return
	}
	a.pending = append(a.pending, row{sessionID: a.opts.SessionID(), entry: entry})
	full := len(a.pending) >= a.opts.BatchSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run 周期写入，ctx 结束时做最后一次写入
func (a *Archive) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Flush(flushCtx); err != nil {
				log.Printf("Final archive flush failed: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
		case <-a.flushCh:
		}
		if err := a.Flush(ctx); err != nil {
			log.Printf("Archive flush failed: %v", err)
		}
	}
}

// Flush 写入缓冲中的全部日志，失败时丢弃该批
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(batch))
	for _, r := range batch {
		message, err := json.Marshal(r.entry.Message)
		if err != nil {
			message = []byte(fmt.Sprintf("%q", fmt.Sprint(r.entry.Message)))
		}
		rows = append(rows, []any{
			r.sessionID,
			r.entry.Timestamp,
			r.entry.Type,
			r.entry.Source,
			message,
			max(1, r.entry.Count),
		})
	}

	n, err := a.db.CopyFrom(ctx, pgx.Identifier{TableName}, columns, pgx.CopyFromRows(rows))

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.failed += int64(len(rows))
		return fmt.Errorf("copy %d log rows: %w", len(rows), err)
	}
	a.written += n
	return nil
}

// GetStats 归档统计
func (a *Archive) GetStats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]interface{}{
		"pending": len(a.pending),
		"written": a.written,
		"failed":  a.failed,
	}
}
