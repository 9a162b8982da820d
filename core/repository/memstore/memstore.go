// Package memstore is an in-process implementation of repository.Store. Every
// transaction runs under one mutex against a copy of the state, and the copy
// replaces the state only when the transaction commits.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"finetune-core/core/models"
	"finetune-core/core/repository"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Store keeps every table in memory
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

type state struct {
	jobs     []*models.FineTuningJob
	byID     map[string]int
	byName   map[string]int
	events   []models.JobEvent
	txs      []models.CreditTransaction
	accounts map[string]decimal.Decimal
	usage    []models.UsageRecord
	eventSeq int64
	txSeq    int64
}

// New returns an empty store
func New() *Store {
	return &Store{
		state: &state{
			byID:     make(map[string]int),
			byName:   make(map[string]int),
			accounts: make(map[string]decimal.Decimal),
		},
		now: time.Now,
	}
}

// SetClock replaces the clock used for created_at and updated_at columns.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// WithTx runs fn against a copy of the state and commits it if fn succeeds
func (s *Store) WithTx(ctx context.Context, fn func(repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &memTx{state: s.state.clone(), now: s.now}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = t.state
	return nil
}

// WithOwnerLock runs fn in a transaction after creating the owner's account.
// The store mutex already serializes transactions.
func (s *Store) WithOwnerLock(ctx context.Context, ownerID string, fn func(repository.Tx) error) error {
	return s.WithTx(ctx, func(tx repository.Tx) error {
		t := tx.(*memTx)
		if _, ok := t.state.accounts[ownerID]; !ok {
			t.state.accounts[ownerID] = decimal.Zero
		}
		return fn(tx)
	})
}

func (st *state) clone() *state {
	c := &state{
		jobs:     make([]*models.FineTuningJob, len(st.jobs)),
		byID:     make(map[string]int, len(st.byID)),
		byName:   make(map[string]int, len(st.byName)),
		events:   append([]models.JobEvent(nil), st.events...),
		txs:      append([]models.CreditTransaction(nil), st.txs...),
		accounts: make(map[string]decimal.Decimal, len(st.accounts)),
		usage:    append([]models.UsageRecord(nil), st.usage...),
		eventSeq: st.eventSeq,
		txSeq:    st.txSeq,
	}
	for i, j := range st.jobs {
		c.jobs[i] = j.Clone()
	}
	for k, v := range st.byID {
		c.byID[k] = v
	}
	for k, v := range st.byName {
		c.byName[k] = v
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	return c
}

type memTx struct {
	state *state
	now   func() time.Time
}

func nameKey(ownerID, name string) string {
	return strconv.Itoa(len(ownerID)) + ":" + ownerID + name
}

func (t *memTx) InsertJob(_ context.Context, job *models.FineTuningJob) error {
	key := nameKey(job.OwnerID, job.Name)
	if _, ok := t.state.byName[key]; ok {
		return errors.Wrapf(models.ErrDuplicateName, "job %q", job.Name)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Timestamps == nil {
		job.Timestamps = make(map[models.JobStatus]time.Time)
	}

	now := t.now()
	job.Version = 1
	job.CreatedAt = now
	job.UpdatedAt = now

	t.state.jobs = append(t.state.jobs, job.Clone())
	t.state.byID[job.ID] = len(t.state.jobs) - 1
	t.state.byName[key] = len(t.state.jobs) - 1
	return nil
}

func (t *memTx) GetJob(_ context.Context, id string) (*models.FineTuningJob, error) {
	i, ok := t.state.byID[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "job %s", id)
	}
	return t.state.jobs[i].Clone(), nil
}

func (t *memTx) GetJobByName(_ context.Context, ownerID, name string) (*models.FineTuningJob, error) {
	i, ok := t.state.byName[nameKey(ownerID, name)]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "job %q", name)
	}
	return t.state.jobs[i].Clone(), nil
}

func (t *memTx) ListJobs(
	_ context.Context, ownerID string, page repository.Page,
) ([]*models.FineTuningJob, int, error) {
	var owned []*models.FineTuningJob
	for i := len(t.state.jobs) - 1; i >= 0; i-- {
		if t.state.jobs[i].OwnerID == ownerID {
			owned = append(owned, t.state.jobs[i])
		}
	}
	sort.SliceStable(owned, func(a, b int) bool {
		return owned[a].CreatedAt.After(owned[b].CreatedAt)
	})

	var out []*models.FineTuningJob
	for _, j := range window(len(owned), page) {
		out = append(out, owned[j].Clone())
	}
	return out, len(owned), nil
}

func (t *memTx) CompareAndSwapJob(
	_ context.Context, job *models.FineTuningJob, expectedStatus models.JobStatus, expectedVersion int64,
) error {
	i, ok := t.state.byID[job.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "job %s", job.ID)
	}
	cur := t.state.jobs[i]
	if cur.Status != expectedStatus || cur.Version != expectedVersion {
		return errors.Wrapf(models.ErrStaleWrite, "job %s", job.ID)
	}

	next := cur.Clone()
	next.Status = job.Status
	next.CurrentStep = job.CurrentStep
	next.CurrentEpoch = job.CurrentEpoch
	next.NumTokens = job.NumTokens
	next.ReservedAmount = job.ReservedAmount
	next.Settlement = job.Settlement
	next.SettlementError = job.SettlementError
	next.Timestamps = job.Clone().Timestamps
	next.AdmittedAt = job.Clone().AdmittedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = t.now()
	t.state.jobs[i] = next

	job.Version = next.Version
	job.UpdatedAt = next.UpdatedAt
	return nil
}

func (t *memTx) ListStaleJobs(
	_ context.Context, status models.JobStatus, updatedBefore time.Time, limit int,
) ([]*models.FineTuningJob, error) {
	return t.selectJobs(limit, func(j *models.FineTuningJob) bool {
		return j.Status == status && j.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (t *memTx) ListUnadmittedJobs(
	_ context.Context, createdBefore time.Time, limit int,
) ([]*models.FineTuningJob, error) {
	out := t.selectJobs(0, func(j *models.FineTuningJob) bool {
		return j.Status == models.JobStatusNew && j.AdmittedAt == nil && j.CreatedAt.Before(createdBefore)
	})
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListUnsettledJobs(_ context.Context, limit int) ([]*models.FineTuningJob, error) {
	return t.selectJobs(limit, func(j *models.FineTuningJob) bool {
		return j.Settlement == models.SettlementPending || j.Settlement == models.SettlementFailed
	}), nil
}

func (t *memTx) JobStats(context.Context) (*repository.JobStats, error) {
	stats := &repository.JobStats{ByStatus: make(map[models.JobStatus]int)}
	for _, j := range t.state.jobs {
		stats.ByStatus[j.Status]++
		if j.Settlement == models.SettlementPending || j.Settlement == models.SettlementFailed {
			stats.Unsettled++
		}
	}
	return stats, nil
}

func (t *memTx) selectJobs(limit int, keep func(*models.FineTuningJob) bool) []*models.FineTuningJob {
	var out []*models.FineTuningJob
	for _, j := range t.state.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *memTx) InsertJobEvent(_ context.Context, event *models.JobEvent) error {
	if _, ok := t.state.byID[event.JobID]; !ok {
		return errors.Wrapf(models.ErrNotFound, "job %s", event.JobID)
	}
	t.state.eventSeq++
	event.ID = t.state.eventSeq
	event.At = t.now()
	t.state.events = append(t.state.events, *event)
	return nil
}

func (t *memTx) ListJobEvents(_ context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	var out []models.JobEvent
	for _, e := range t.state.events {
		if e.JobID != jobID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) Balance(_ context.Context, ownerID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, ct := range t.state.txs {
		if ct.OwnerID == ownerID {
			sum = sum.Add(ct.Credits)
		}
	}
	return sum, nil
}

func (t *memTx) FindTransaction(
	_ context.Context, ownerID, transactionID string,
) (*models.CreditTransaction, error) {
	for _, ct := range t.state.txs {
		if ct.OwnerID == ownerID && ct.TransactionID == transactionID {
			found := ct
			return &found, nil
		}
	}
	return nil, errors.Wrapf(models.ErrNotFound, "transaction %s", transactionID)
}

func (t *memTx) InsertTransaction(ctx context.Context, ct *models.CreditTransaction) error {
	if _, ok := t.state.accounts[ct.OwnerID]; !ok {
		return errors.Wrapf(models.ErrNotFound, "account %s", ct.OwnerID)
	}
	if _, err := t.FindTransaction(ctx, ct.OwnerID, ct.TransactionID); err == nil {
		return errors.Wrapf(models.ErrDuplicateTransaction, "transaction %s", ct.TransactionID)
	}

	t.state.txSeq++
	ct.ID = uuid.New().String()
	ct.Seq = t.state.txSeq
	ct.CreatedAt = t.now()
	t.state.txs = append(t.state.txs, *ct)
	return nil
}

func (t *memTx) ListTransactions(
	_ context.Context, ownerID string, filter repository.TransactionFilter,
) ([]models.CreditTransaction, int, error) {
	var matched []models.CreditTransaction
	for i := len(t.state.txs) - 1; i >= 0; i-- {
		ct := t.state.txs[i]
		if ct.OwnerID == ownerID && filter.Contains(ct.CreatedAt) {
			matched = append(matched, ct)
		}
	}

	var out []models.CreditTransaction
	for _, i := range window(len(matched), filter.Page) {
		out = append(out, matched[i])
	}
	return out, len(matched), nil
}

func (t *memTx) ReplayTransactions(_ context.Context, ownerID string) ([]models.CreditTransaction, error) {
	var out []models.CreditTransaction
	for _, ct := range t.state.txs {
		if ct.OwnerID == ownerID {
			out = append(out, ct)
		}
	}
	return out, nil
}

func (t *memTx) AccountBalance(_ context.Context, ownerID string) (decimal.Decimal, error) {
	balance, ok := t.state.accounts[ownerID]
	if !ok {
		return decimal.Zero, errors.Wrapf(models.ErrNotFound, "account %s", ownerID)
	}
	return balance, nil
}

func (t *memTx) SetAccountBalance(_ context.Context, ownerID string, balance decimal.Decimal) error {
	if _, ok := t.state.accounts[ownerID]; !ok {
		return errors.Wrapf(models.ErrNotFound, "account %s", ownerID)
	}
	t.state.accounts[ownerID] = balance
	return nil
}

func (t *memTx) InsertUsage(ctx context.Context, usage *models.UsageRecord) error {
	if _, err := t.FindUsage(ctx, usage.JobID); err == nil {
		return errors.Wrapf(models.ErrDuplicateTransaction, "usage for job %s", usage.JobID)
	}
	usage.ID = uuid.New().String()
	usage.CreatedAt = t.now()
	t.state.usage = append(t.state.usage, *usage)
	return nil
}

func (t *memTx) FindUsage(_ context.Context, jobID string) (*models.UsageRecord, error) {
	for _, u := range t.state.usage {
		if u.JobID == jobID {
			found := u
			return &found, nil
		}
	}
	return nil, errors.Wrapf(models.ErrNotFound, "usage for job %s", jobID)
}

func (t *memTx) ListUsage(_ context.Context, ownerID string, r repository.TimeRange) ([]models.UsageRecord, error) {
	var out []models.UsageRecord
	for _, u := range t.state.usage {
		if u.OwnerID == ownerID && r.Contains(u.CreatedAt) {
			out = append(out, u)
		}
	}
	return out, nil
}

// window returns the indexes of n items that fall on page.
func window(n int, page repository.Page) []int {
	start := page.Offset()
	if start >= n {
		return nil
	}
	end := n
	if page.Size > 0 && start+page.Size < n {
		end = start + page.Size
	}
	idx := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		idx = append(idx, i)
	}
	return idx
}

var _ repository.Store = (*Store)(nil)
