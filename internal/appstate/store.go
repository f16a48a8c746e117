// Package appstate holds process-wide reactive state: installed apps,
// extensions, runtimes and pending updates. The store is injectable so
// tests construct isolated instances; consumers read through selectors and
// mutate only through named entry points.
package appstate

import (
	"sync"

	"github.com/orchardstore/orchard/internal/types"
)

// Store is a single-writer-many-reader state container. Refreshes replace
// whole collections atomically; there is no incremental merge.
type Store struct {
	mu sync.RWMutex

	apps       []types.InstalledApp
	extensions []types.InstalledExtension
	runtimes   []types.InstalledRuntime

	// installed is always derived from apps via installedIndex, never
	// mutated independently, so the existence map cannot drift from the
	// detailed list.
	installed map[string]bool

	updates        map[string]types.UpdateInfo
	systemResidual int

	subs    map[int]chan struct{}
	nextSub int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		installed: map[string]bool{},
		updates:   map[string]types.UpdateInfo{},
		subs:      map[int]chan struct{}{},
	}
}

// installedIndex is the pure derivation of the fast existence map from the
// detailed list.
func installedIndex(apps []types.InstalledApp) map[string]bool {
	idx := make(map[string]bool, len(apps))
	for _, app := range apps {
		idx[app.AppID] = true
	}
	return idx
}

// Replace swaps in a full refresh of installed state.
func (s *Store) Replace(set *types.InstalledSet) {
	s.mu.Lock()
	s.apps = append([]types.InstalledApp(nil), set.Apps...)
	s.extensions = append([]types.InstalledExtension(nil), set.Extensions...)
	s.runtimes = append([]types.InstalledRuntime(nil), set.Runtimes...)
	s.installed = installedIndex(s.apps)
	s.mu.Unlock()
	s.notify()
}

// MarkInstalled applies a targeted patch right after a single-app install
// succeeds. The next full refresh overwrites it with the same answer.
func (s *Store) MarkInstalled(app types.InstalledApp) {
	s.mu.Lock()
	replaced := false
	for i := range s.apps {
		if s.apps[i].AppID == app.AppID {
			s.apps[i] = app
			replaced = true
			break
		}
	}
	if !replaced {
		s.apps = append(s.apps, app)
	}
	s.installed = installedIndex(s.apps)
	s.mu.Unlock()
	s.notify()
}

// MarkUninstalled removes one app and anything it owned.
func (s *Store) MarkUninstalled(appID string) {
	s.mu.Lock()
	apps := s.apps[:0]
	for _, app := range s.apps {
		if app.AppID != appID {
			apps = append(apps, app)
		}
	}
	s.apps = apps
	exts := s.extensions[:0]
	for _, ext := range s.extensions {
		if ext.ParentID != appID {
			exts = append(exts, ext)
		}
	}
	s.extensions = exts
	s.installed = installedIndex(s.apps)
	delete(s.updates, appID)
	s.mu.Unlock()
	s.notify()
}

// SetAvailableUpdates rebuilds the update map from per-app updates and the
// total pending count. System-level runtime and extension updates are kept
// as a derived residual bucket, not as literal entries.
func (s *Store) SetAvailableUpdates(updates []types.UpdateInfo, totalPending int) {
	s.mu.Lock()
	s.updates = make(map[string]types.UpdateInfo, len(updates))
	for _, u := range updates {
		s.updates[u.AppID] = u
	}
	s.systemResidual = totalPending - len(s.updates)
	if s.systemResidual < 0 {
		s.systemResidual = 0
	}
	s.mu.Unlock()
	s.notify()
}

// IsInstalled is the O(1) existence check backing install buttons.
func (s *Store) IsInstalled(appID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.installed[appID]
}

// InstalledApps returns a copy of the detailed app list.
func (s *Store) InstalledApps() []types.InstalledApp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.InstalledApp(nil), s.apps...)
}

// Extensions returns a copy of the installed extension list.
func (s *Store) Extensions() []types.InstalledExtension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.InstalledExtension(nil), s.extensions...)
}

// ExtensionsFor returns the extensions owned by one app.
func (s *Store) ExtensionsFor(appID string) []types.InstalledExtension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.InstalledExtension
	for _, ext := range s.extensions {
		if ext.ParentID == appID {
			out = append(out, ext)
		}
	}
	return out
}

// Runtimes returns a copy of the installed runtime list.
func (s *Store) Runtimes() []types.InstalledRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.InstalledRuntime(nil), s.runtimes...)
}

// HasUpdate reports whether appID has a pending update.
func (s *Store) HasUpdate(appID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.updates[appID]
	return ok
}

// UpdateInfo returns the pending update for appID.
func (s *Store) UpdateInfo(appID string) (types.UpdateInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.updates[appID]
	return u, ok
}

// AppUpdates returns the per-app pending updates.
func (s *Store) AppUpdates() []types.UpdateInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.UpdateInfo, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, u)
	}
	return out
}

// SystemUpdateCount returns the residual count of pending system-level
// updates (total pending minus per-app updates).
func (s *Store) SystemUpdateCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemResidual
}

// UpdateCount is the badge count: apps with updates, plus one pseudo-entry
// when system-level updates are pending.
func (s *Store) UpdateCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := len(s.updates)
	if s.systemResidual > 0 {
		count++
	}
	return count
}

// Subscribe returns a channel that receives a signal after every mutation.
// Lagging subscribers coalesce signals instead of blocking writers.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	n := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[n] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subs, n)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
