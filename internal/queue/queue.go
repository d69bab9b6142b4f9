// Package queue holds pending dispatch actions grouped by source item.
//
// The queue is the single owner of action state. Every transition is written
// through to a store.ActionRepo before it is applied in memory, so a restart
// can rebuild the queue from persisted rows.
package queue

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
	"github.com/BTreeMap/ImgurBot/internal/store"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrGroupActive is returned when an item already has a group in the queue.
	ErrGroupActive = errors.New("item already has an active action group")
	// ErrUnknownAction is returned for transitions on an action the queue does not hold.
	ErrUnknownAction = errors.New("unknown action")
	// ErrNotInFlight is returned when completing an action that was never claimed.
	ErrNotInFlight = errors.New("action is not in flight")
	// ErrCancelIncomplete is returned by MarkFailed when the failed action was
	// persisted but its queued siblings could not be cancelled.
	ErrCancelIncomplete = errors.New("group cancel incomplete")
)

// group is the in-memory form of an active ActionGroup.
type group struct {
	id      string
	itemID  string
	actions []models.PendingAction
}

// head returns the index of the first non-terminal action, or -1.
func (g *group) head() int {
	for i := range g.actions {
		if !g.actions[i].State.IsTerminal() {
			return i
		}
	}
	return -1
}

func (g *group) index(id string) int {
	for i := range g.actions {
		if g.actions[i].ID == id {
			return i
		}
	}
	return -1
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is a mutex-guarded FIFO of action groups with per-group ordering.
type Queue struct {
	mu      sync.Mutex
	repo    store.ActionRepo
	groups  []*group
	byItem  map[string]*group
	byID    map[string]*group
	seq     int64
	entropy *ulid.MonotonicEntropy
	notify  chan struct{}
	now     func() time.Time

	// completing holds groups whose actions all succeeded but whose item is
	// not yet committed as seen, keyed by group ID.
	completing map[string]*group
}

// New creates an empty queue persisting through repo. A nil repo keeps
// state in memory only.
func New(repo store.ActionRepo, opts ...Option) *Queue {
	q := &Queue{
		repo:    repo,
		byItem:  make(map[string]*group),
		byID:    make(map[string]*group),
		entropy: ulid.Monotonic(rand.Reader, 0),
		notify:  make(chan struct{}, 1),
		now:     func() time.Time { return time.Now().UTC() },

		completing: make(map[string]*group),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Notify returns a channel that receives a value whenever new work may
// have become eligible.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) newID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		return "", fmt.Errorf("generate ulid failed: %w", err)
	}
	return id.String(), nil
}

// Enqueue assigns IDs and sequence numbers to g's actions, persists them and
// adds the group to the queue. It returns the group as enqueued. An empty
// group is a no-op.
func (q *Queue) Enqueue(ctx context.Context, g models.ActionGroup) (models.ActionGroup, error) {
	if len(g.Actions) == 0 {
		return g, nil
	}
	if err := g.Validate(); err != nil {
		return g, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byItem[g.ItemID]; ok {
		return g, fmt.Errorf("%w: %s", ErrGroupActive, g.ItemID)
	}

	now := q.now()
	groupID, err := q.newID(now)
	if err != nil {
		return g, err
	}
	actions := make([]models.PendingAction, len(g.Actions))
	for i, a := range g.Actions {
		id, err := q.newID(now)
		if err != nil {
			return g, err
		}
		a.ID = id
		a.GroupID = groupID
		a.ItemID = g.ItemID
		a.Target = g.Target
		a.Seq = q.seq + int64(i) + 1
		a.Attempt = 0
		a.State = models.ActionStateQueued
		a.NotBefore = time.Time{}
		a.LastError = ""
		a.CreatedAt = now
		a.UpdatedAt = now
		actions[i] = a
	}

	if q.repo != nil {
		if err := q.repo.SaveGroup(ctx, actions); err != nil {
			return g, err
		}
	}

	q.seq += int64(len(actions))
	q.add(&group{id: groupID, itemID: g.ItemID, actions: actions})

	g.ID = groupID
	g.Actions = append([]models.PendingAction(nil), actions...)
	slog.Debug("Queue.Enqueue: group added", "groupID", groupID, "itemID", g.ItemID, "actions", len(actions))
	q.signal()
	return g, nil
}

// add registers grp. Caller holds mu.
func (q *Queue) add(grp *group) {
	q.groups = append(q.groups, grp)
	q.byItem[grp.itemID] = grp
	for _, a := range grp.actions {
		q.byID[a.ID] = grp
	}
}

// retire drops a finished group from dispatch but keeps its item
// registered. Caller holds mu.
func (q *Queue) retire(grp *group) {
	for i, g := range q.groups {
		if g == grp {
			q.groups = append(q.groups[:i], q.groups[i+1:]...)
			break
		}
	}
	for _, a := range grp.actions {
		delete(q.byID, a.ID)
	}
}

// remove drops a finished group and frees its item. Caller holds mu.
func (q *Queue) remove(grp *group) {
	q.retire(grp)
	if q.byItem[grp.itemID] == grp {
		delete(q.byItem, grp.itemID)
	}
}

// DequeueNext claims the earliest eligible action without a rate gate.
func (q *Queue) DequeueNext(ctx context.Context, now time.Time) (models.PendingAction, bool, error) {
	return q.Claim(ctx, now, nil)
}

// Claim moves the earliest eligible action to in-flight and returns it.
// Only the head of a group is eligible, and only once its backoff has
// elapsed. If admit is non-nil it is consulted after a candidate is found
// and before the transition, under the queue lock; a false result leaves
// the queue unchanged.
func (q *Queue) Claim(ctx context.Context, now time.Time, admit func(time.Time) bool) (models.PendingAction, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, grp := range q.groups {
		h := grp.head()
		if h < 0 {
			continue
		}
		a := grp.actions[h]
		if a.State != models.ActionStateQueued || a.NotBefore.After(now) {
			continue
		}
		if admit != nil && !admit(now) {
			return models.PendingAction{}, false, nil
		}
		a.State = models.ActionStateInFlight
		a.UpdatedAt = q.now()
		if err := q.persist(ctx, a); err != nil {
			return models.PendingAction{}, false, err
		}
		grp.actions[h] = a
		return a, true, nil
	}
	return models.PendingAction{}, false, nil
}

func (q *Queue) persist(ctx context.Context, a models.PendingAction) error {
	if q.repo == nil {
		return nil
	}
	return q.repo.UpdateAction(ctx, a)
}

// lookup finds an in-flight action. Caller holds mu.
func (q *Queue) lookup(id string) (*group, int, error) {
	grp, ok := q.byID[id]
	if !ok {
		return nil, -1, fmt.Errorf("%w: %s", ErrUnknownAction, id)
	}
	i := grp.index(id)
	if grp.actions[i].State != models.ActionStateInFlight {
		return nil, -1, fmt.Errorf("%w: %s is %s", ErrNotInFlight, id, grp.actions[i].State)
	}
	return grp, i, nil
}

// MarkSucceeded completes an in-flight action. groupDone is true when it was
// the last action of its group; the group then leaves the queue, but its item
// stays Active until Release so that no new group for it can be enqueued
// before the item is committed as seen.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) (a models.PendingAction, groupDone bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	grp, i, err := q.lookup(id)
	if err != nil {
		return models.PendingAction{}, false, err
	}
	a = grp.actions[i]
	a.State = models.ActionStateSucceeded
	a.LastError = ""
	a.UpdatedAt = q.now()
	if err := q.persist(ctx, a); err != nil {
		return models.PendingAction{}, false, err
	}
	grp.actions[i] = a

	if grp.head() < 0 {
		q.retire(grp)
		q.completing[grp.id] = grp
		return a, true, nil
	}
	q.signal()
	return a, false, nil
}

// Release frees the item of a group completed by MarkSucceeded. Releasing an
// unknown or already released group is a no-op.
func (q *Queue) Release(groupID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	grp, ok := q.completing[groupID]
	if !ok {
		return
	}
	delete(q.completing, groupID)
	if q.byItem[grp.itemID] == grp {
		delete(q.byItem, grp.itemID)
	}
}

// MarkRetry returns an in-flight action to queued with the given attempt
// count; it is not eligible again before notBefore.
func (q *Queue) MarkRetry(ctx context.Context, id string, attempt int, notBefore time.Time, reason string) (models.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	grp, i, err := q.lookup(id)
	if err != nil {
		return models.PendingAction{}, err
	}
	a := grp.actions[i]
	a.State = models.ActionStateQueued
	a.Attempt = attempt
	a.NotBefore = notBefore
	a.LastError = reason
	a.UpdatedAt = q.now()
	if err := q.persist(ctx, a); err != nil {
		return models.PendingAction{}, err
	}
	grp.actions[i] = a
	q.signal()
	return a, nil
}

// MarkFailed moves an in-flight action to failed-permanent and abandons its
// group: queued siblings are cancelled and the group leaves the queue. It
// returns the number of cancelled siblings.
func (q *Queue) MarkFailed(ctx context.Context, id string, attempt int, reason string) (models.PendingAction, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	grp, i, err := q.lookup(id)
	if err != nil {
		return models.PendingAction{}, 0, err
	}
	now := q.now()
	a := grp.actions[i]
	a.State = models.ActionStateFailed
	a.Attempt = attempt
	a.LastError = reason
	a.UpdatedAt = now
	if err := q.persist(ctx, a); err != nil {
		return models.PendingAction{}, 0, err
	}
	grp.actions[i] = a

	var cancelErr error
	if q.repo != nil {
		// A failed cancel is repaired by Restore, which never loads queued
		// siblings of a failed action.
		if _, err := q.repo.CancelGroup(ctx, grp.id, now); err != nil {
			cancelErr = fmt.Errorf("%w: group %s: %w", ErrCancelIncomplete, grp.id, err)
		}
	}
	cancelled := 0
	for j := range grp.actions {
		if grp.actions[j].State == models.ActionStateQueued {
			grp.actions[j].State = models.ActionStateCancelled
			grp.actions[j].UpdatedAt = now
			cancelled++
		}
	}
	q.remove(grp)
	q.signal()
	return a, cancelled, cancelErr
}

// NextWake returns the earliest backoff deadline after now among group
// heads, and false if no head is backing off.
func (q *Queue) NextWake(now time.Time) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	found := false
	for _, grp := range q.groups {
		h := grp.head()
		if h < 0 {
			continue
		}
		a := grp.actions[h]
		if a.State != models.ActionStateQueued || !a.NotBefore.After(now) {
			continue
		}
		if !found || a.NotBefore.Before(next) {
			next = a.NotBefore
			found = true
		}
	}
	return next, found
}

// Active reports whether itemID has a group in the queue, including a
// completed group not yet released.
func (q *Queue) Active(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byItem[itemID]
	return ok
}

// Len returns the number of non-terminal actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, grp := range q.groups {
		for _, a := range grp.actions {
			if !a.State.IsTerminal() {
				n++
			}
		}
	}
	return n
}

// InFlight returns the number of claimed actions.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, grp := range q.groups {
		for _, a := range grp.actions {
			if a.State == models.ActionStateInFlight {
				n++
			}
		}
	}
	return n
}

// Snapshot returns a copy of every action of every active group in
// sequence order.
func (q *Queue) Snapshot() []models.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.PendingAction
	for _, grp := range q.groups {
		out = append(out, grp.actions...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// RestoreResult summarizes a Restore call.
type RestoreResult struct {
	Requeued  int `json:"requeued"`
	Groups    int `json:"groups"`
	Actions   int `json:"actions"`
	Abandoned int `json:"abandoned"`
}

// Restore rebuilds the queue from the repo. In-flight rows have an unknown
// outcome and are requeued first. Groups that already hold a failed action,
// or that duplicate an item restored earlier, are cancelled instead of
// loaded.
func (q *Queue) Restore(ctx context.Context) (RestoreResult, error) {
	var res RestoreResult
	if q.repo == nil {
		return res, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.repo.RequeueInFlight(ctx)
	if err != nil {
		return res, fmt.Errorf("requeue in-flight actions failed: %w", err)
	}
	res.Requeued = n

	rows, err := q.repo.LoadPending(ctx)
	if err != nil {
		return res, fmt.Errorf("load pending actions failed: %w", err)
	}

	var order []*group
	loaded := make(map[string]*group)
	for _, a := range rows {
		grp, ok := loaded[a.GroupID]
		if !ok {
			grp = &group{id: a.GroupID, itemID: a.ItemID}
			loaded[a.GroupID] = grp
			order = append(order, grp)
		}
		grp.actions = append(grp.actions, a)
		if a.Seq > q.seq {
			q.seq = a.Seq
		}
	}

	now := q.now()
	for _, grp := range order {
		if _, held := q.byID[grp.actions[0].ID]; held {
			continue
		}
		sort.Slice(grp.actions, func(i, j int) bool {
			return grp.actions[i].Chunk.SequenceIndex < grp.actions[j].Chunk.SequenceIndex
		})
		_, dup := q.byItem[grp.itemID]
		if dup || hasFailed(grp) {
			if _, err := q.repo.CancelGroup(ctx, grp.id, now); err != nil {
				return res, fmt.Errorf("cancel abandoned group %s failed: %w", grp.id, err)
			}
			slog.Warn("Queue.Restore: abandoned group cancelled", "groupID", grp.id, "itemID", grp.itemID, "duplicate", dup)
			res.Abandoned++
			continue
		}
		q.add(grp)
		res.Groups++
		for _, a := range grp.actions {
			if !a.State.IsTerminal() {
				res.Actions++
			}
		}
	}

	slog.Info("Queue.Restore: queue rebuilt", "requeued", res.Requeued, "groups", res.Groups, "actions", res.Actions, "abandoned", res.Abandoned)
	if res.Actions > 0 {
		q.signal()
	}
	return res, nil
}

func hasFailed(grp *group) bool {
	for _, a := range grp.actions {
		if a.State == models.ActionStateFailed || a.State == models.ActionStateCancelled {
			return true
		}
	}
	return false
}
