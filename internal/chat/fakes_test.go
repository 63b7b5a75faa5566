package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmgate/llmgate/internal/accounts"
	"github.com/llmgate/llmgate/internal/clock"
	"github.com/llmgate/llmgate/internal/gate"
	"github.com/llmgate/llmgate/internal/gateway"
	inats "github.com/llmgate/llmgate/internal/nats"
)

// accountTable backs a real gate in handler tests.
type accountTable struct {
	mu   sync.Mutex
	rows map[uuid.UUID]accounts.Account
	err  error
	// incErr fails only IncrementFreeCalls.
	incErr error
}

func newAccountTable() *accountTable {
	return &accountTable{rows: make(map[uuid.UUID]accounts.Account)}
}

func (t *accountTable) put(a accounts.Account) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a.Version = 1
	t.rows[a.ID] = a
}

func (t *accountTable) get(id uuid.UUID) accounts.Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows[id]
}

func (t *accountTable) GetByID(_ context.Context, id uuid.UUID) (*accounts.Account, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	a, ok := t.rows[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (t *accountTable) Update(_ context.Context, id uuid.UUID, p accounts.Patch, expected int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.rows[id]
	if !ok {
		return accounts.ErrNotFound
	}
	if expected != 0 && a.Version != expected {
		return accounts.ErrVersionConflict
	}
	if p.FreeCallsUsedToday != nil {
		a.FreeCallsUsedToday = *p.FreeCallsUsedToday
	}
	if p.LastFreeCallDate != nil {
		d := *p.LastFreeCallDate
		a.LastFreeCallDate = &d
	}
	if p.APIKeySealed != nil {
		s := *p.APIKeySealed
		a.APIKeySealed = &s
	}
	a.Version++
	t.rows[id] = a
	return nil
}

func (t *accountTable) IncrementFreeCalls(_ context.Context, id uuid.UUID, day time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.incErr != nil {
		return t.incErr
	}
	a, ok := t.rows[id]
	if !ok {
		return accounts.ErrNotFound
	}
	if a.LastFreeCallDate != nil && clock.Day(*a.LastFreeCallDate).Equal(day) {
		a.FreeCallsUsedToday++
	} else {
		a.FreeCallsUsedToday = 1
	}
	a.LastFreeCallDate = &day
	a.Version++
	t.rows[id] = a
	return nil
}

func (t *accountTable) SetAPIKey(ctx context.Context, id uuid.UUID, sealed string) error {
	return t.Update(ctx, id, accounts.Patch{APIKeySealed: &sealed}, 0)
}

var _ gate.AccountStore = (*accountTable)(nil)

type fakeUpstream struct {
	mu       sync.Mutex
	calls    []gateway.ChatRequest
	users    []string
	response json.RawMessage
	err      error
	// block waits until the context ends, returning its error.
	block bool
}

func (f *fakeUpstream) Complete(ctx context.Context, req gateway.ChatRequest, userID string) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.users = append(f.users, userID)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (f *fakeLimiter) Allow(context.Context, uuid.UUID) (bool, error) {
	return f.allow, f.err
}

type fakeIssuer struct {
	key  string
	err  error
	last gateway.KeyRequest
}

func (f *fakeIssuer) GenerateKey(_ context.Context, req gateway.KeyRequest) (string, error) {
	f.last = req
	return f.key, f.err
}

type eventLog struct {
	mu     sync.Mutex
	events []inats.AuditEvent
}

func (l *eventLog) PublishAuditEvent(_ context.Context, e inats.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.EventType)
	}
	return out
}
