package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/calev/orchid/pkg/schema"
)

// MemoryStore is an in-memory Store implementation for tests and embedded
// single-process use. All conditional mutations hold the store mutex, giving
// the same at-most-one-winner guarantees as the SQL implementation.
type MemoryStore struct {
	mu          sync.Mutex
	definitions map[string]*schema.WorkflowDefinition
	instances   map[string]*WorkflowInstance
	executions  map[string]*ActivityExecution
	bookmarks   map[string]*Bookmark
	outbox      map[string]*OutboxEvent
	log         []*ExecutionLogEntry
	scheduled   map[string]*ScheduledStart
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.WorkflowDefinition),
		instances:   make(map[string]*WorkflowInstance),
		executions:  make(map[string]*ActivityExecution),
		bookmarks:   make(map[string]*Bookmark),
		outbox:      make(map[string]*OutboxEvent),
		scheduled:   make(map[string]*ScheduledStart),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Definitions ---

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.definitions[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition already exists: %s", def.ID)
	}
	cp := *def
	s.definitions[def.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, notFound("definition", id)
	}
	cp := *def
	return &cp, nil
}

func (s *MemoryStore) GetDefinitionByName(ctx context.Context, name string, version int) (*schema.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.definitions {
		if def.Name == name && def.Version == version {
			cp := *def
			return &cp, nil
		}
	}
	return nil, notFound("definition", fmt.Sprintf("%s@%d", name, version))
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// --- Instances ---

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *WorkflowInstance, events ...*OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance already exists: %s", inst.ID)
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	inst.UpdatedAt = inst.CreatedAt
	s.instances[inst.ID] = copyInstance(inst)
	for _, ev := range events {
		cp := *ev
		if cp.Status == "" {
			cp.Status = schema.OutboxPending
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		s.outbox[cp.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, notFound("instance", id)
	}
	return copyInstance(inst), nil
}

func (s *MemoryStore) UpdateInstance(ctx context.Context, inst *WorkflowInstance, events ...*OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[inst.ID]
	if !ok {
		return notFound("instance", inst.ID)
	}
	if current.Version != inst.Version {
		return ErrVersionConflict
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = copyInstance(inst)
	for _, ev := range events {
		cp := *ev
		if cp.Status == "" {
			cp.Status = schema.OutboxPending
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		s.outbox[cp.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*WorkflowInstance
	for _, inst := range s.instances {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.CorrelationID != "" && inst.CorrelationID != filter.CorrelationID {
			continue
		}
		if filter.Since != nil && inst.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Activity executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *ActivityExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *ActivityExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return notFound("execution", exec.ID)
	}
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, instanceID string) ([]*ActivityExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ActivityExecution
	for _, exec := range s.executions {
		if exec.InstanceID == instanceID {
			cp := *exec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CompletedExecutions(ctx context.Context, instanceID string) ([]*ActivityExecution, error) {
	all, _ := s.ListExecutions(ctx, instanceID)
	var out []*ActivityExecution
	for _, exec := range all {
		if exec.Status == schema.ExecutionCompleted {
			out = append(out, exec)
		}
	}
	// Reverse completion order: most recently completed first.
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CompletedAt, out[j].CompletedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	return out, nil
}

// --- Bookmarks ---

func (s *MemoryStore) FindOrCreateBookmark(ctx context.Context, b *Bookmark) (*Bookmark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bookmarks {
		if !existing.Consumed &&
			existing.InstanceID == b.InstanceID &&
			existing.ActivityID == b.ActivityID &&
			existing.Key == b.Key &&
			existing.Type == b.Type {
			cp := *existing
			return &cp, false, nil
		}
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	cp := *b
	s.bookmarks[b.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) GetBookmark(ctx context.Context, id string) (*Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.bookmarks[id]
	if !ok {
		return nil, notFound("bookmark", id)
	}
	cp := *bm
	return &cp, nil
}

func (s *MemoryStore) FindBookmark(ctx context.Context, instanceID, activityID string) (*Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *Bookmark
	for _, bm := range s.bookmarks {
		if bm.Consumed || bm.InstanceID != instanceID || bm.ActivityID != activityID {
			continue
		}
		if oldest == nil || bm.CreatedAt.Before(oldest.CreatedAt) {
			oldest = bm
		}
	}
	if oldest == nil {
		return nil, notFound("bookmark", instanceID+"/"+activityID)
	}
	cp := *oldest
	return &cp, nil
}

func (s *MemoryStore) ClaimNextBookmark(ctx context.Context, typ schema.BookmarkType, workerID string, now, leaseUntil time.Time) (*Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *Bookmark
	for _, bm := range s.bookmarks {
		if bm.Consumed || bm.Type != typ {
			continue
		}
		if bm.ClaimedBy != "" && bm.LeaseExpiresAt != nil && bm.LeaseExpiresAt.After(now) {
			continue // held by a live claimant
		}
		if typ == schema.BookmarkTimer && (bm.DueAt == nil || bm.DueAt.After(now)) {
			continue // not due yet
		}
		if oldest == nil || claimOrder(bm).Before(claimOrder(oldest)) {
			oldest = bm
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.ClaimedBy = workerID
	lease := leaseUntil
	oldest.LeaseExpiresAt = &lease
	cp := *oldest
	return &cp, nil
}

// claimOrder sorts due timers by due time and everything else by creation.
func claimOrder(bm *Bookmark) time.Time {
	if bm.DueAt != nil {
		return *bm.DueAt
	}
	return bm.CreatedAt
}

func (s *MemoryStore) TryConsumeBookmark(ctx context.Context, id, consumedBy string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.bookmarks[id]
	if !ok || bm.Consumed {
		return false, nil
	}
	leaseExpired := bm.LeaseExpiresAt != nil && bm.LeaseExpiresAt.Before(now)
	if bm.ClaimedBy != "" && bm.ClaimedBy != consumedBy && !leaseExpired {
		return false, nil
	}
	bm.Consumed = true
	bm.ConsumedBy = consumedBy
	consumedAt := now
	bm.ConsumedAt = &consumedAt
	bm.ClaimedBy = ""
	bm.LeaseExpiresAt = nil
	return true, nil
}

func (s *MemoryStore) ReleaseBookmarkClaim(ctx context.Context, id, claimedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.bookmarks[id]
	if !ok || bm.Consumed || bm.ClaimedBy != claimedBy {
		return false, nil
	}
	bm.ClaimedBy = ""
	bm.LeaseExpiresAt = nil
	return true, nil
}

// --- Outbox ---

func (s *MemoryStore) AppendOutbox(ctx context.Context, ev *OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	if cp.Status == "" {
		cp.Status = schema.OutboxPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.outbox[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) PendingOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*OutboxEvent
	for _, ev := range s.outbox {
		if (ev.Status == schema.OutboxPending || ev.Status == schema.OutboxFailed) && !ev.NextAttemptAt.After(now) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboxProcessing(ctx context.Context, id, claimedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok || (ev.Status != schema.OutboxPending && ev.Status != schema.OutboxFailed) {
		return false, nil
	}
	ev.Status = schema.OutboxProcessing
	ev.ClaimedBy = claimedBy
	return true, nil
}

func (s *MemoryStore) MarkOutboxProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok || ev.Status != schema.OutboxProcessing {
		return notFound("outbox event", id)
	}
	ev.Status = schema.OutboxProcessed
	return nil
}

func (s *MemoryStore) RecordOutboxFailure(ctx context.Context, id string, nextAttempt time.Time, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok {
		return 0, notFound("outbox event", id)
	}
	if ev.Status == schema.OutboxProcessed || ev.Status == schema.OutboxDeadLetter {
		return ev.Attempts, schema.NewErrorf(schema.ErrCodeConflict, "outbox event %s is terminal", id)
	}
	ev.Status = schema.OutboxFailed
	ev.Attempts++
	ev.NextAttemptAt = nextAttempt
	ev.LastError = errMsg
	ev.ClaimedBy = ""
	return ev.Attempts, nil
}

func (s *MemoryStore) MarkOutboxDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok || ev.Status == schema.OutboxProcessed {
		return notFound("outbox event", id)
	}
	ev.Status = schema.OutboxDeadLetter
	return nil
}

// OutboxEvent returns a snapshot of one outbox row; test helper.
func (s *MemoryStore) OutboxEvent(id string) (*OutboxEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}

// --- Execution log ---

func (s *MemoryStore) AppendLog(ctx context.Context, entry *ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq int64
	for _, e := range s.log {
		if e.InstanceID == entry.InstanceID && e.Sequence > seq {
			seq = e.Sequence
		}
	}
	entry.Sequence = seq + 1
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	entry.ID = int64(len(s.log) + 1)
	cp := *entry
	s.log = append(s.log, &cp)
	return nil
}

func (s *MemoryStore) GetLog(ctx context.Context, instanceID string, since int64) ([]*ExecutionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ExecutionLogEntry
	for _, e := range s.log {
		if e.InstanceID == instanceID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) CountRecentFailures(ctx context.Context, instanceID, activityID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.log {
		if e.InstanceID == instanceID && e.ActivityID == activityID &&
			e.Event == schema.EventActivityFailed && !e.OccurredAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// --- Scheduled starts ---

func (s *MemoryStore) CreateScheduledStart(ctx context.Context, job *ScheduledStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.scheduled[job.ID] = &cp
	return nil
}

func (s *MemoryStore) ListScheduledStarts(ctx context.Context, enabledOnly bool) ([]*ScheduledStart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ScheduledStart
	for _, job := range s.scheduled {
		if enabledOnly && !job.Enabled {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

func (s *MemoryStore) UpdateScheduledStartRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.scheduled[id]
	if !ok {
		return notFound("scheduled start", id)
	}
	lr, nr := lastRun, nextRun
	job.LastRunAt = &lr
	job.NextRunAt = &nr
	return nil
}

func copyInstance(inst *WorkflowInstance) *WorkflowInstance {
	cp := *inst
	cp.Variables = copyMap(inst.Variables)
	cp.RuntimeOverrides = copyMap(inst.RuntimeOverrides)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
