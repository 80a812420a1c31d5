// Package dispatch owns the work-item state machine. The dispatcher converts
// submitted items into published assignments, monitors worker reports, and
// applies the retry, handoff, cost, and escalation policy.
//
// State machine:
//
//	pending -> assigned -> in_progress -> completed
//	                                   -> blocked  -> reassigned (handoff) or requires_human_approval
//	                                   -> failed   -> retried while attempts remain, else requires_human_approval
//	any non-terminal -> cancelled
//	requires_human_approval -> pending (human unblock)
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsadehaan/cloud-code/internal/broker"
	"github.com/lsadehaan/cloud-code/internal/config"
	"github.com/lsadehaan/cloud-code/internal/fleet"
	"github.com/lsadehaan/cloud-code/internal/otel"
	"github.com/lsadehaan/cloud-code/internal/protocol"
	"github.com/lsadehaan/cloud-code/internal/routing"
	"github.com/lsadehaan/cloud-code/internal/store"
	"github.com/lsadehaan/cloud-code/internal/tracker"
	"github.com/lsadehaan/cloud-code/internal/workspace"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

// ErrUnknownItem is returned for operations on items the dispatcher has never seen.
var ErrUnknownItem = errors.New("unknown work item")

// Event is pushed to the event sink on every item state change.
type Event struct {
	Type string          `json:"type"`
	Item models.WorkItem `json:"item"`
}

// item is the dispatcher's working record for one work item.
type item struct {
	models.WorkItem
	ws        *workspace.Workspace
	channel   *protocol.TaskingChannel
	startedAt time.Time
	// notifyEpoch counts human unblocks. Each epoch earns exactly one
	// terminal notification, deduplicated by the store.
	notifyEpoch int
}

// Dispatcher drives items through the state machine on every Tick.
type Dispatcher struct {
	cfg        *config.Config
	workspaces *workspace.Manager
	stations   *fleet.Manager
	broker     *broker.Broker
	store      store.Store
	notifier   tracker.Notifier
	resolver   routing.Resolver

	// Events receives a notification on every state change; nil disables it.
	Events func(Event)

	// now is swapped in tests to drive the wall-clock timeout.
	now func() time.Time

	mu    sync.Mutex
	items map[string]*item
}

// New wires a dispatcher. store may be backed by SQLite or Postgres; notifier
// must not be nil (use tracker.LogNotifier as the fallback).
func New(cfg *config.Config, ws *workspace.Manager, fl *fleet.Manager, br *broker.Broker, st store.Store, n tracker.Notifier, r routing.Resolver) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		workspaces: ws,
		stations:   fl,
		broker:     br,
		store:      st,
		notifier:   n,
		resolver:   r,
		now:        time.Now,
		items:      map[string]*item{},
	}
}

// Submit registers a new work item. Missing fields are defaulted: id, capability
// class (via the routing resolver), max attempts, and cost limit.
func (d *Dispatcher) Submit(ctx context.Context, w models.WorkItem) (models.WorkItem, error) {
	if w.Title == "" {
		return models.WorkItem{}, fmt.Errorf("work item title required")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CapabilityClass == "" {
		w.CapabilityClass = routing.ForItem(&w, d.resolver)
	}
	if _, ok := d.cfg.Class(w.CapabilityClass); !ok {
		return models.WorkItem{}, fmt.Errorf("unknown capability class %q", w.CapabilityClass)
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = d.cfg.MaxAttempts
	}
	if w.CostLimitUSD <= 0 {
		w.CostLimitUSD = d.cfg.DefaultCostLimitUSD
	}
	w.Status = models.StatusPending
	w.CreatedAt = d.now().UTC()
	w.UpdatedAt = w.CreatedAt

	d.mu.Lock()
	if _, exists := d.items[w.ID]; exists {
		d.mu.Unlock()
		return models.WorkItem{}, fmt.Errorf("work item %s already exists", w.ID)
	}
	it := &item{WorkItem: w}
	d.items[w.ID] = it
	d.mu.Unlock()

	d.persist(ctx, it)
	d.emit("item_submitted", it)
	slog.Info("work item submitted", "item", w.ID, "class", w.CapabilityClass, "priority", w.Priority)
	return w, nil
}

// Cancel moves a non-terminal item to cancelled, withdraws its assignment,
// and releases its resources. Cancelling a terminal item is an error.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	it, ok := d.items[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownItem
	}
	if models.Terminal(it.Status) {
		status := it.Status
		d.mu.Unlock()
		return fmt.Errorf("item %s is already %s", id, status)
	}
	it.Status = models.StatusCancelled
	it.UpdatedAt = d.now().UTC()
	channel := it.channel
	d.mu.Unlock()

	if channel != nil {
		if err := channel.Cancel(id); err != nil {
			slog.Warn("assignment withdrawal failed", "item", id, "error", err)
		}
	}
	d.releaseResources(ctx, it)
	d.persist(ctx, it)
	d.emit("item_cancelled", it)
	otel.RecordDispatchOp(ctx, "cancel", it.CapabilityClass, it.Status)
	d.notifyTerminal(ctx, it, "work item cancelled")
	return nil
}

// Unblock is the human decision that re-enters an escalated or blocked item
// into the queue. Attempts are reset so the item gets a fresh budget.
func (d *Dispatcher) Unblock(ctx context.Context, id string) error {
	d.mu.Lock()
	it, ok := d.items[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownItem
	}
	if it.Status != models.StatusRequiresApproval && it.Status != models.StatusBlocked {
		status := it.Status
		d.mu.Unlock()
		return fmt.Errorf("item %s is %s, not awaiting approval", id, status)
	}
	it.Status = models.StatusPending
	it.NeedsApproval = false
	it.Attempts = 0
	it.LastError = ""
	it.notifyEpoch++
	it.UpdatedAt = d.now().UTC()
	d.mu.Unlock()

	d.persist(ctx, it)
	d.emit("item_unblocked", it)
	otel.RecordDispatchOp(ctx, "unblock", it.CapabilityClass, it.Status)
	return nil
}

// Items returns a snapshot sorted by creation time, newest first.
func (d *Dispatcher) Items() []models.WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.WorkItem, 0, len(d.items))
	for _, it := range d.items {
		out = append(out, it.WorkItem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Item returns one item by id.
func (d *Dispatcher) Item(id string) (models.WorkItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return models.WorkItem{}, false
	}
	return it.WorkItem, true
}

// Report returns the latest worker report for an item, if its workspace is live.
func (d *Dispatcher) Report(id string) (*models.TaskReport, bool) {
	d.mu.Lock()
	it, ok := d.items[id]
	var ws *workspace.Workspace
	if ok {
		ws = it.ws
	}
	d.mu.Unlock()
	if !ok || ws == nil {
		return nil, false
	}
	doc, err := protocol.LoadReporting(ws.Path)
	if err != nil && !protocol.IsCorrupt(err) {
		return nil, false
	}
	r, ok := doc.Tasks[id]
	return r, ok
}

// ItemCounts returns per-status counts for the metrics gauge.
func (d *Dispatcher) ItemCounts() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]int64{}
	for _, it := range d.items {
		out[it.Status]++
	}
	return out
}

// Tick runs one dispatcher pass: assign eligible pending items, then poll the
// reporting channel of every active item concurrently.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.schedule(ctx)
	d.pollAll(ctx)
}

// schedule assigns pending items in priority order (lower number first),
// creation order within a priority. Workstation claims stay on this goroutine
// so priority order holds; the slow half of an assignment (mirror clone,
// checkout, publish) runs in bounded goroutines so one cold repository cannot
// stall the rest of the pass.
func (d *Dispatcher) schedule(ctx context.Context) {
	d.mu.Lock()
	var pending []*item
	for _, it := range d.items {
		if it.Status == models.StatusPending {
			pending = append(pending, it)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	d.mu.Unlock()

	sem := make(chan struct{}, models.DefaultDispatchChanSize)
	var wg sync.WaitGroup
	defer wg.Wait()
	for _, it := range pending {
		if ctx.Err() != nil {
			return
		}
		if !d.depsSatisfied(it) {
			continue
		}
		station, ok := d.claimStation(ctx, it)
		if !ok {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			d.stations.Release(station.ID)
			return
		}
		wg.Add(1)
		go func(it *item, station *fleet.Station) {
			defer wg.Done()
			defer func() { <-sem }()
			d.assign(ctx, it, station)
		}(it, station)
	}
}

// claimStation acquires a workstation for the item. Pool exhaustion is not an
// error; the item simply waits for the next tick.
func (d *Dispatcher) claimStation(ctx context.Context, it *item) (*fleet.Station, bool) {
	station, err := d.stations.Acquire(ctx, it.CapabilityClass, it.ID)
	if err != nil {
		if !errors.Is(err, fleet.ErrPoolExhausted) {
			d.setLastError(ctx, it, fmt.Sprintf("acquire workstation: %v", err))
		}
		return nil, false
	}
	return station, true
}

// depsSatisfied reports whether every dependency has completed. A dependency
// that failed terminally blocks the dependent item forever, which is
// surfaced through the item's LastError on the next assignment attempt.
func (d *Dispatcher) depsSatisfied(it *item) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dep := range it.DependsOn {
		depItem, ok := d.items[dep]
		if !ok || depItem.Status != models.StatusCompleted {
			return false
		}
	}
	return true
}

// assign provisions a workspace on the claimed workstation and publishes the
// assignment. Provisioning failures release the station and leave the item
// pending for the next tick; a mode conflict is recorded loudly but never
// guessed around.
func (d *Dispatcher) assign(ctx context.Context, it *item, station *fleet.Station) {
	ws, err := d.workspaces.Get(ctx, &it.WorkItem)
	if err != nil {
		d.stations.Release(station.ID)
		var pe *workspace.ProvisionError
		if errors.As(err, &pe) && pe.Conflict {
			d.setLastError(ctx, it, pe.Error())
			slog.Warn("workspace mode conflict, item stays pending", "item", it.ID, "error", pe)
			return
		}
		d.setLastError(ctx, it, fmt.Sprintf("provision workspace: %v", err))
		return
	}

	// A fresh attempt must not be judged by the previous attempt's report.
	// The worker rewrites the document when it starts; clearing it here closes
	// the window where a stale terminal report would be counted again.
	if doc, lerr := protocol.LoadReporting(ws.Path); lerr == nil {
		if r, ok := doc.Tasks[it.ID]; ok && models.ReportTerminal(r.Status) {
			if rmErr := os.Remove(protocol.ReportingPath(ws.Path)); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("stale report cleanup failed", "item", it.ID, "error", rmErr)
			}
		}
	}

	channel := protocol.NewTaskingChannel(ws.Path)
	task := protocol.Task{
		ID:                 it.ID,
		Title:              it.Title,
		Description:        it.Description,
		Status:             models.AssignmentAssigned,
		Priority:           it.Priority,
		Branch:             ws.Branch,
		BaseRevision:       ws.BaseRevision,
		WorkspaceMode:      ws.Mode,
		AcceptanceCriteria: it.AcceptanceCriteria,
		DependsOn:          nil, // dependencies are resolved before dispatch
		CapabilityClass:    it.CapabilityClass,
	}
	if err := channel.Publish(task); err != nil {
		d.stations.Release(station.ID)
		d.setLastError(ctx, it, fmt.Sprintf("publish assignment: %v", err))
		return
	}

	d.mu.Lock()
	it.Status = models.StatusAssigned
	it.Workstation = station.ID
	it.Branch = ws.Branch
	it.BaseRevision = ws.BaseRevision
	it.ws = ws
	it.channel = channel
	it.startedAt = d.now()
	it.LastError = ""
	it.UpdatedAt = d.now().UTC()
	d.mu.Unlock()

	d.persist(ctx, it)
	d.emit("item_assigned", it)
	otel.RecordDispatchOp(ctx, "assign", it.CapabilityClass, it.Status)
	slog.Info("work item assigned", "item", it.ID, "station", station.ID, "branch", ws.Branch, "mode", ws.Mode)
}

// pollAll reads the reporting channel of every active item, one goroutine per
// workspace, bounded by the dispatch channel size.
func (d *Dispatcher) pollAll(ctx context.Context) {
	d.mu.Lock()
	var active []*item
	for _, it := range d.items {
		if it.Status == models.StatusAssigned || it.Status == models.StatusInProgress {
			active = append(active, it)
		}
	}
	d.mu.Unlock()

	sem := make(chan struct{}, models.DefaultDispatchChanSize)
	var wg sync.WaitGroup
	for _, it := range active {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func(it *item) {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			d.poll(ctx, it)
			otel.RecordPoll(ctx, time.Since(start))
		}(it)
	}
	wg.Wait()
}

// poll reconciles one item against its worker's report.
func (d *Dispatcher) poll(ctx context.Context, it *item) {
	d.mu.Lock()
	ws := it.ws
	startedAt := it.startedAt
	d.mu.Unlock()
	if ws == nil {
		return
	}

	doc, err := protocol.LoadReporting(ws.Path)
	if err != nil {
		if protocol.IsCorrupt(err) {
			slog.Error("reporting document corrupt, treating as empty", "item", it.ID, "error", err)
		} else {
			slog.Warn("reporting poll failed", "item", it.ID, "error", err)
			return
		}
	}
	report := doc.Tasks[it.ID]

	// Forward credential requests before anything else so a blocked worker
	// can make progress within this attempt.
	if report != nil && len(report.CredentialRequests) > 0 {
		if err := d.broker.Process(ctx, ws.Path, report.CredentialRequests); err != nil {
			slog.Warn("credential processing failed", "item", it.ID, "error", err)
		}
		d.recordGrants(ctx, it, report.CredentialRequests)
	}

	// Wall-clock budget applies to the whole attempt regardless of what the
	// worker reports.
	if d.cfg.ExecTimeout > 0 && d.now().Sub(startedAt) > d.cfg.ExecTimeout {
		d.finishAttempt(ctx, it, report, "timeout", fmt.Sprintf("execution exceeded %s", d.cfg.ExecTimeout))
		return
	}

	if report == nil {
		return // worker has not picked the task up yet
	}

	// The spend ceiling is enforced at poll time, not only at attempt close:
	// a worker burning money mid-run is stopped at the next poll instead of
	// being left to finish.
	d.mu.Lock()
	projected := it.CostUSD + reportCost(report)
	overBudget := it.CostLimitUSD > 0 && projected > it.CostLimitUSD
	limit := it.CostLimitUSD
	d.mu.Unlock()
	if overBudget {
		d.finishAttempt(ctx, it, report, "cost_exceeded",
			fmt.Sprintf("cost $%.2f exceeds limit $%.2f", projected, limit))
		return
	}

	switch report.Status {
	case models.ReportReceived, models.ReportPlanning, models.ReportInProgress:
		d.mu.Lock()
		changed := it.Status != models.StatusInProgress
		it.Status = models.StatusInProgress
		if changed {
			it.UpdatedAt = d.now().UTC()
		}
		d.mu.Unlock()
		if changed {
			d.persist(ctx, it)
			d.emit("item_started", it)
		}
	case models.ReportCompleted:
		d.finishAttempt(ctx, it, report, "completed", "")
	case models.ReportFailed:
		d.finishAttempt(ctx, it, report, "failed", report.Error)
	case models.ReportBlocked:
		if class, ok := handoffClass(report.BlockedReason); ok {
			d.finishAttempt(ctx, it, report, "handoff:"+class, report.BlockedReason)
		} else {
			d.finishAttempt(ctx, it, report, "blocked", report.BlockedReason)
		}
	}
}

// HandleOrphans requeues items whose workstation was torn down after failing
// health checks. The interrupted run counts as a failed attempt.
func (d *Dispatcher) HandleOrphans(ctx context.Context, itemIDs []string) {
	for _, id := range itemIDs {
		d.mu.Lock()
		it, ok := d.items[id]
		active := ok && (it.Status == models.StatusAssigned || it.Status == models.StatusInProgress)
		d.mu.Unlock()
		if !active {
			continue
		}
		slog.Warn("work item orphaned by workstation loss", "item", id)
		d.finishAttempt(ctx, it, nil, "failed", "workstation lost during execution")
	}
}

// handoffClass extracts the recommended class from a blocked reason.
func handoffClass(reason string) (string, bool) {
	const prefix = "recommend_handoff:"
	if strings.HasPrefix(reason, prefix) {
		class := strings.TrimSpace(strings.TrimPrefix(reason, prefix))
		return class, class != ""
	}
	return "", false
}

// finishAttempt closes out one execution attempt and applies the policy:
// completion terminates the item; failure retries while attempts remain;
// handoff reassigns to the recommended class; any other block, exhausted
// attempts, or a blown cost budget escalates to a human.
func (d *Dispatcher) finishAttempt(ctx context.Context, it *item, report *models.TaskReport, outcome, errMsg string) {
	d.mu.Lock()
	it.Attempts++
	attempt := it.Attempts
	it.CostUSD += reportCost(report)
	costExceeded := it.CostLimitUSD > 0 && it.CostUSD > it.CostLimitUSD
	station := it.Workstation
	started := it.startedAt
	tool := d.toolFor(it.CapabilityClass)
	d.mu.Unlock()

	d.stations.Release(station)
	d.recordExecution(ctx, it, station, tool, outcome, errMsg, started)
	otel.RecordExecution(ctx, tool, outcome, d.now().Sub(started), reportCost(report))

	switch {
	case outcome == "completed" && !costExceeded:
		d.terminate(ctx, it, models.StatusCompleted, "")
		d.notifyTerminal(ctx, it, completionMessage(it, report))
	case costExceeded:
		d.escalate(ctx, it, fmt.Sprintf("cost limit exceeded: $%.2f of $%.2f", it.CostUSD, it.CostLimitUSD))
	case strings.HasPrefix(outcome, "handoff:"):
		class := strings.TrimPrefix(outcome, "handoff:")
		d.handoff(ctx, it, class, errMsg)
	case outcome == "blocked":
		d.escalate(ctx, it, "blocked: "+errMsg)
	default: // failed or timeout
		if attempt < it.MaxAttempts {
			d.retry(ctx, it, errMsg)
		} else {
			d.escalate(ctx, it, fmt.Sprintf("attempts exhausted (%d): %s", attempt, errMsg))
		}
	}
}

func (d *Dispatcher) toolFor(class string) string {
	if cl, ok := d.cfg.Class(class); ok {
		return cl.Tool
	}
	return ""
}

// retry requeues the item for another attempt on the same branch. The
// workspace is kept so committed progress carries over.
func (d *Dispatcher) retry(ctx context.Context, it *item, errMsg string) {
	d.mu.Lock()
	it.Status = models.StatusPending
	it.Workstation = ""
	it.LastError = errMsg
	it.UpdatedAt = d.now().UTC()
	d.mu.Unlock()
	d.persist(ctx, it)
	d.emit("item_retried", it)
	otel.RecordDispatchOp(ctx, "retry", it.CapabilityClass, it.Status)
	slog.Info("work item retry", "item", it.ID, "attempts", it.Attempts, "error", errMsg)
}

// handoff requeues the item under the recommended capability class. An
// unknown class escalates instead.
func (d *Dispatcher) handoff(ctx context.Context, it *item, class, reason string) {
	if _, ok := d.cfg.Class(class); !ok {
		d.escalate(ctx, it, fmt.Sprintf("handoff to unknown class %q: %s", class, reason))
		return
	}
	d.mu.Lock()
	it.Status = models.StatusPending
	it.CapabilityClass = class
	it.Workstation = ""
	it.LastError = reason
	it.UpdatedAt = d.now().UTC()
	d.mu.Unlock()
	d.persist(ctx, it)
	d.emit("item_handoff", it)
	otel.RecordDispatchOp(ctx, "handoff", class, it.Status)
	slog.Info("work item handoff", "item", it.ID, "class", class, "attempts", it.Attempts)
}

// escalate parks the item for a human decision.
func (d *Dispatcher) escalate(ctx context.Context, it *item, reason string) {
	d.mu.Lock()
	it.Status = models.StatusRequiresApproval
	it.NeedsApproval = true
	it.LastError = reason
	it.UpdatedAt = d.now().UTC()
	d.mu.Unlock()
	d.releaseResources(ctx, it)
	d.persist(ctx, it)
	d.emit("item_escalated", it)
	otel.RecordDispatchOp(ctx, "escalate", it.CapabilityClass, it.Status)
	slog.Warn("work item escalated", "item", it.ID, "reason", reason)
	d.notifyTerminal(ctx, it, "needs human review: "+reason)
}

// terminate finalizes the item and releases everything it held.
func (d *Dispatcher) terminate(ctx context.Context, it *item, status, errMsg string) {
	d.mu.Lock()
	it.Status = status
	if errMsg != "" {
		it.LastError = errMsg
	}
	it.UpdatedAt = d.now().UTC()
	d.mu.Unlock()
	d.releaseResources(ctx, it)
	d.persist(ctx, it)
	d.emit("item_"+status, it)
	otel.RecordDispatchOp(ctx, "terminate", it.CapabilityClass, status)
	slog.Info("work item terminal", "item", it.ID, "status", status)
}

// releaseResources frees the workstation, invalidates injected credentials,
// and releases the workspace. Safe to call more than once.
func (d *Dispatcher) releaseResources(ctx context.Context, it *item) {
	d.mu.Lock()
	station := it.Workstation
	ws := it.ws
	it.Workstation = ""
	it.ws = nil
	it.channel = nil
	d.mu.Unlock()

	if station != "" {
		d.stations.Release(station)
	}
	if ws != nil {
		// Committed work must outlive the checkout: push the item branch back
		// to the mirror before the directory goes away.
		if err := d.workspaces.Harvest(ctx, it.ID); err != nil {
			slog.Warn("branch harvest failed", "item", it.ID, "error", err)
		}
		if err := d.broker.Invalidate(ws.Path); err != nil {
			slog.Warn("credential invalidation failed", "item", it.ID, "error", err)
		}
		if err := d.workspaces.Release(ctx, it.ID); err != nil {
			slog.Warn("workspace release failed", "item", it.ID, "error", err)
		}
	}
}

// notifyTerminal delivers the one-and-only terminal notification for the
// item's current epoch. The store's notification table is the dedup point, so
// a crash between notify and the next tick cannot double-send; a human
// unblock opens a new epoch and with it one fresh notification.
func (d *Dispatcher) notifyTerminal(ctx context.Context, it *item, message string) {
	d.mu.Lock()
	epoch := it.notifyEpoch
	d.mu.Unlock()
	first, err := d.store.MarkNotified(ctx, it.ID, epoch, d.notifier.Name(), message)
	if err != nil {
		slog.Error("notification dedup failed", "item", it.ID, "error", err)
		return
	}
	if !first {
		return
	}
	if err := d.notifier.Notify(ctx, &it.WorkItem, message); err != nil {
		slog.Error("terminal notification failed", "item", it.ID, "error", err)
	}
}

func (d *Dispatcher) setLastError(ctx context.Context, it *item, msg string) {
	d.mu.Lock()
	it.LastError = msg
	it.UpdatedAt = d.now().UTC()
	d.mu.Unlock()
	d.persist(ctx, it)
}

func (d *Dispatcher) persist(ctx context.Context, it *item) {
	d.mu.Lock()
	rec := store.ItemRecord{
		ID:              it.ID,
		Title:           it.Title,
		Status:          it.Status,
		CapabilityClass: it.CapabilityClass,
		Priority:        it.Priority,
		Workstation:     it.Workstation,
		Branch:          it.Branch,
		BaseRevision:    it.BaseRevision,
		Attempts:        it.Attempts,
		CostUSD:         it.CostUSD,
		NeedsApproval:   it.NeedsApproval,
		LastError:       it.LastError,
		CreatedAt:       it.CreatedAt,
	}
	d.mu.Unlock()
	if err := d.store.SaveItem(ctx, rec); err != nil {
		slog.Warn("audit save failed", "item", rec.ID, "error", err)
	}
}

func (d *Dispatcher) recordExecution(ctx context.Context, it *item, station, tool, outcome, errMsg string, started time.Time) {
	d.mu.Lock()
	cost := it.CostUSD
	d.mu.Unlock()
	_, err := d.store.RecordExecution(ctx, store.ExecutionRecord{
		ItemID:      it.ID,
		Workstation: station,
		Tool:        tool,
		Outcome:     outcome,
		CostUSD:     cost,
		Error:       errMsg,
		StartedAt:   started,
		FinishedAt:  d.now(),
	})
	if err != nil {
		slog.Warn("execution audit failed", "item", it.ID, "error", err)
	}
}

func (d *Dispatcher) recordGrants(ctx context.Context, it *item, reqs []models.CredentialRequest) {
	for _, cr := range reqs {
		status, ok := d.broker.Status(cr.ID)
		if !ok {
			continue
		}
		err := d.store.RecordGrant(ctx, store.GrantRecord{
			RequestID: cr.ID,
			ItemID:    it.ID,
			Type:      cr.Type,
			Scope:     cr.Scope,
			Status:    status.Status,
		})
		if err != nil {
			slog.Warn("grant audit failed", "request", cr.ID, "error", err)
		}
	}
}

func (d *Dispatcher) emit(eventType string, it *item) {
	if d.Events == nil {
		return
	}
	d.mu.Lock()
	w := it.WorkItem
	d.mu.Unlock()
	d.Events(Event{Type: eventType, Item: w})
}

func reportCost(report *models.TaskReport) float64 {
	if report == nil {
		return 0
	}
	var cost float64
	for _, p := range report.Progress {
		if p.Details == nil {
			continue
		}
		if v, ok := p.Details["cost_usd"]; ok {
			switch n := v.(type) {
			case float64:
				cost += n
			case int:
				cost += float64(n)
			}
		}
	}
	return cost
}

func completionMessage(it *item, report *models.TaskReport) string {
	msg := fmt.Sprintf("completed on branch %s", it.Branch)
	if report != nil && report.Summary != "" {
		msg += ": " + report.Summary
	}
	return msg
}
