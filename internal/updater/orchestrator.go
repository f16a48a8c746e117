// Package updater sequences the "update all" workflow: every user app with
// a pending update, then one system-wide pass for whatever runtimes and
// extensions are still outstanding, aggregating progress, output and
// errors into a single observable state machine.
package updater

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/orchardstore/orchard/internal/appstate"
	"github.com/orchardstore/orchard/internal/bridge"
	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/metacache"
	"github.com/orchardstore/orchard/internal/monitoring"
)

// Orchestrator owns at most one update-all run at a time.
type Orchestrator struct {
	bridge  bridge.Bridge
	store   *appstate.Store
	cache   *metacache.Cache
	metrics *monitoring.Metrics
	logger  *logging.Logger

	// onFinished runs after a terminal state is reached, outside the run
	// lock. Wired to a store refresh in production.
	onFinished func(context.Context)

	mu      sync.Mutex
	status  Status
	running bool

	subs    map[int]chan struct{}
	nextSub int
}

// New creates an orchestrator.
func New(b bridge.Bridge, store *appstate.Store, cache *metacache.Cache, metrics *monitoring.Metrics, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		bridge:  b,
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		status:  Status{State: StateIdle, CurrentAppProgress: IndeterminateProgress, SystemProgress: IndeterminateProgress},
		subs:    map[int]chan struct{}{},
	}
}

// SetOnFinished registers a hook invoked after each run reaches a terminal
// state.
func (o *Orchestrator) SetOnFinished(fn func(context.Context)) {
	o.onFinished = fn
}

// Status returns a snapshot of the current (or last) run.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	st.Apps = append([]string(nil), o.status.Apps...)
	st.Output = append([]string(nil), o.status.Output...)
	return st
}

// Subscribe returns a channel signalled on every status change.
func (o *Orchestrator) Subscribe() (<-chan struct{}, func()) {
	o.mu.Lock()
	n := o.nextSub
	o.nextSub++
	ch := make(chan struct{}, 1)
	o.subs[n] = ch
	o.mu.Unlock()
	return ch, func() {
		o.mu.Lock()
		delete(o.subs, n)
		o.mu.Unlock()
	}
}

// Start launches an update-all run in the background. It returns false if
// a run is already active. Once started, a run cannot be canceled; it
// proceeds until every target has been attempted.
func (o *Orchestrator) Start(ctx context.Context) bool {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return false
	}
	o.running = true
	o.mu.Unlock()

	go o.Run(ctx)
	return true
}

// Run executes one update-all run to completion. Callers always get a
// terminal state; individual failures are counted, never propagated.
func (o *Orchestrator) Run(ctx context.Context) Status {
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	// Step 1: targets and the system-level residual.
	updates := o.store.AppUpdates()
	sort.Slice(updates, func(i, j int) bool { return updates[i].AppID < updates[j].AppID })
	apps := make([]string, len(updates))
	for i, u := range updates {
		apps[i] = u.AppID
	}
	systemCount := o.store.SystemUpdateCount()

	o.update(func(st *Status) {
		*st = Status{
			State:              StateRunningUserApps,
			Apps:               apps,
			CurrentAppProgress: IndeterminateProgress,
			SystemProgress:     IndeterminateProgress,
		}
	})

	// Phase A: per-app updates, in order, one at a time. A failure counts
	// one error and the loop moves on.
	var succeeded []string
	for _, appID := range apps {
		if o.updateOne(ctx, appID) {
			succeeded = append(succeeded, appID)
		}
		// The app's slot is complete regardless of outcome.
		o.update(func(st *Status) {
			st.CurrentAppProgress = 100
			st.CurrentAppIndex++
		})
	}

	// Some of the pending system updates may have been pulled in as
	// dependencies of the apps just updated; re-derive the residual before
	// deciding whether phase B has anything left to do.
	if len(succeeded) > 0 {
		if appUpdates, total, err := o.bridge.AvailableUpdates(ctx); err == nil {
			systemCount = total - len(appUpdates)
			if systemCount < 0 {
				systemCount = 0
			}
		} else {
			o.logger.Warn("Failed to recompute system update count", zap.Error(err))
		}
	}

	// Phase B: a single system-wide pass, or an explicit skip when phase A
	// already satisfied everything.
	if systemCount > 0 {
		o.update(func(st *Status) {
			st.State = StateRunningSystemUpdates
			st.SystemUpdating = true
		})
		o.runSystemUpdate(ctx)
		o.update(func(st *Status) {
			st.SystemUpdating = false
			st.SystemProgress = 100
			st.CurrentAppIndex++
		})
	} else {
		o.update(func(st *Status) {
			st.SystemSatisfied = true
			st.SystemProgress = 100
		})
	}

	// Updated apps may have changed permission sets; invalidate their
	// cached lists.
	if o.cache != nil && len(succeeded) > 0 {
		o.cache.MarkPermissionsOutdatedBatch(ctx, succeeded)
	}

	var final Status
	o.mu.Lock()
	if o.status.Errors == 0 {
		o.status.State = StateSuccess
	} else {
		o.status.State = StateCompletedWithErrors
	}
	final = o.status
	o.running = false
	o.mu.Unlock()
	o.notify()

	if o.metrics != nil {
		o.metrics.UpdateRunsTotal.WithLabelValues(string(final.State)).Inc()
	}
	o.logger.Info("Update-all run finished",
		zap.String("state", string(final.State)),
		zap.Int("apps", len(apps)),
		zap.Int("errors", final.Errors))

	if o.onFinished != nil {
		o.onFinished(ctx)
	}
	return final
}

// updateOne runs a single app update, forwarding its stream into the run.
// Returns true when the update succeeded.
func (o *Orchestrator) updateOne(ctx context.Context, appID string) bool {
	o.update(func(st *Status) {
		st.CurrentAppProgress = IndeterminateProgress
		st.Output = append(st.Output, fmt.Sprintf("Updating %s", appID))
	})

	op, err := o.bridge.Update(ctx, appID)
	if err != nil {
		o.fail(fmt.Sprintf("Failed to start update for %s: %v", appID, err))
		return false
	}

	o.forward(op, func(st *Status, pct int) { st.CurrentAppProgress = pct })

	result := op.Wait(ctx)
	if !result.Success {
		o.fail(fmt.Sprintf("Update of %s failed with exit code %d", appID, result.ExitCode))
		return false
	}
	o.update(func(st *Status) { st.CurrentAppProgress = 100 })
	return true
}

func (o *Orchestrator) runSystemUpdate(ctx context.Context) {
	op, err := o.bridge.UpdateSystem(ctx)
	if err != nil {
		o.fail(fmt.Sprintf("Failed to start system update: %v", err))
		return
	}

	o.forward(op, func(st *Status, pct int) { st.SystemProgress = pct })

	if result := op.Wait(ctx); !result.Success {
		o.fail(fmt.Sprintf("System update failed with exit code %d", result.ExitCode))
	}
}

// forward drains an operation's event stream into the run's output and the
// given progress slot.
func (o *Orchestrator) forward(op *bridge.Operation, setProgress func(*Status, int)) {
	for ev := range op.Events() {
		switch ev.Type {
		case bridge.EventOutput, bridge.EventError:
			line := ev.Line
			o.update(func(st *Status) { st.Output = append(st.Output, line) })
		case bridge.EventProgress:
			pct := ev.Progress
			o.update(func(st *Status) { setProgress(st, pct) })
		}
	}
}

// fail logs one operation failure into the run and bumps the error count.
func (o *Orchestrator) fail(line string) {
	o.logger.Warn(line)
	o.update(func(st *Status) {
		st.Output = append(st.Output, line)
		st.Errors++
	})
}

func (o *Orchestrator) update(fn func(*Status)) {
	o.mu.Lock()
	fn(&o.status)
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
