package reconciler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llmgate/llmgate/internal/billing"
	inats "github.com/llmgate/llmgate/internal/nats"
)

type usageRow struct {
	UsageRecord
	processed    bool
	deadLettered bool
	lastError    string
}

// memoryUsageLog keeps rows in memory. A batch works on a copy that is
// written back only on Commit.
type memoryUsageLog struct {
	mu   sync.Mutex
	rows map[string]*usageRow

	beginErr  error
	markErr   error
	commitErr error

	commits   int
	rollbacks int
}

func newMemoryUsageLog() *memoryUsageLog {
	return &memoryUsageLog{rows: make(map[string]*usageRow)}
}

func (m *memoryUsageLog) add(id string, userID *string, model string, in, out *int64, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mdl := model
	m.rows[id] = &usageRow{UsageRecord: UsageRecord{
		ID: id, UserID: userID, Model: &mdl, PromptTokens: in, CompletionTokens: out, Timestamp: ts,
	}}
}

func (m *memoryUsageLog) row(id string) usageRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memoryUsageLog) Begin(context.Context) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	snapshot := make(map[string]*usageRow, len(m.rows))
	for id, r := range m.rows {
		cp := *r
		snapshot[id] = &cp
	}
	return &memoryBatch{log: m, rows: snapshot}, nil
}

type memoryBatch struct {
	log  *memoryUsageLog
	rows map[string]*usageRow
	done bool
}

func (b *memoryBatch) Pending(_ context.Context, limit int) ([]UsageRecord, error) {
	var out []UsageRecord
	for _, r := range b.rows {
		if !r.processed && !r.deadLettered {
			out = append(out, r.UsageRecord)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *memoryBatch) MarkProcessed(_ context.Context, ids []string) (int64, error) {
	if b.log.markErr != nil {
		return 0, b.log.markErr
	}
	var n int64
	for _, id := range ids {
		if r, ok := b.rows[id]; ok {
			r.processed = true
			r.lastError = ""
			n++
		}
	}
	return n, nil
}

func (b *memoryBatch) RecordFailure(_ context.Context, id, reason string, maxAttempts int) (bool, error) {
	r, ok := b.rows[id]
	if !ok {
		return false, errors.New("no such row")
	}
	if !utf8.ValidString(reason) {
		return false, errors.New("invalid byte sequence for encoding \"UTF8\"")
	}
	r.BillingAttempts++
	r.lastError = reason
	r.deadLettered = r.BillingAttempts >= maxAttempts
	return r.deadLettered, nil
}

func (b *memoryBatch) Commit(context.Context) error {
	b.log.mu.Lock()
	defer b.log.mu.Unlock()
	if b.done {
		return errors.New("tx closed")
	}
	b.done = true
	if b.log.commitErr != nil {
		return b.log.commitErr
	}
	b.log.rows = b.rows
	b.log.commits++
	return nil
}

func (b *memoryBatch) Rollback(context.Context) error {
	b.log.mu.Lock()
	defer b.log.mu.Unlock()
	b.log.rollbacks++
	if b.done {
		return errors.New("tx closed")
	}
	b.done = true
	return nil
}

// memoryLedger mimics the Postgres ledger: unique usage ids and a balance debit.
type memoryLedger struct {
	mu       sync.Mutex
	records  map[string]billing.Record
	balances map[uuid.UUID]decimal.Decimal

	failFor map[string]error
	err     error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		records:  make(map[string]billing.Record),
		balances: make(map[uuid.UUID]decimal.Decimal),
		failFor:  make(map[string]error),
	}
}

func (l *memoryLedger) Append(_ context.Context, rec *billing.Record) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if err, ok := l.failFor[rec.UsageID]; ok {
		return false, err
	}
	if _, ok := l.records[rec.UsageID]; ok {
		return false, nil
	}
	bal, ok := l.balances[rec.UserID]
	if !ok {
		return false, billing.ErrAccountNotFound
	}
	l.records[rec.UsageID] = *rec
	l.balances[rec.UserID] = bal.Sub(rec.Cost)
	return true, nil
}

func (l *memoryLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

type fakeLock struct {
	held     bool
	err      error
	released int
}

func (f *fakeLock) Acquire(context.Context) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.held {
		return nil, ErrAlreadyRunning
	}
	f.held = true
	return func() {
		f.held = false
		f.released++
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []inats.AuditEvent
}

func (p *recordingPublisher) PublishAuditEvent(_ context.Context, e inats.AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

func strPtr(s string) *string { return &s }
func intPtr(n int64) *int64   { return &n }
