package appstate

import (
	"context"

	"go.uber.org/zap"

	"github.com/orchardstore/orchard/internal/bridge"
	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/metacache"
	"github.com/orchardstore/orchard/internal/types"
)

// Refresher rebuilds the store from the package manager. Permission lists
// are attached from the local cache when the cached version still matches,
// and fetched in one batch otherwise.
type Refresher struct {
	bridge bridge.Bridge
	store  *Store
	cache  *metacache.Cache
	logger *logging.Logger
}

// NewRefresher creates a refresher.
func NewRefresher(b bridge.Bridge, store *Store, cache *metacache.Cache, logger *logging.Logger) *Refresher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Refresher{bridge: b, store: store, cache: cache, logger: logger}
}

// Refresh replaces the whole installed collection and the update map. Cache
// failures degrade to misses; only bridge failures abort the refresh.
func (r *Refresher) Refresh(ctx context.Context) error {
	set, err := r.bridge.ListInstalled(ctx)
	if err != nil {
		return err
	}

	r.attachPermissions(ctx, set)
	r.store.Replace(set)

	updates, total, err := r.bridge.AvailableUpdates(ctx)
	if err != nil {
		// Installed state is still good; keep the previous update map.
		r.logger.Warn("Failed to query available updates", zap.Error(err))
		return nil
	}
	r.store.SetAvailableUpdates(updates, total)
	return nil
}

func (r *Refresher) attachPermissions(ctx context.Context, set *types.InstalledSet) {
	if r.cache == nil {
		return
	}

	pairs := make([]metacache.AppVersion, len(set.Apps))
	for i, app := range set.Apps {
		pairs[i] = metacache.AppVersion{AppID: app.AppID, Version: app.Version}
	}

	cached := r.cache.GetPermissionsBatch(ctx, pairs)

	var missing []string
	for _, app := range set.Apps {
		if _, ok := cached[app.AppID]; !ok {
			missing = append(missing, app.AppID)
		}
	}

	if len(missing) > 0 {
		fetched, err := r.bridge.PermissionsBatch(ctx, missing)
		if err != nil {
			r.logger.Warn("Failed to fetch app permissions", zap.Error(err))
		} else {
			toCache := make(map[string]metacache.VersionedPermissions, len(fetched))
			for _, app := range set.Apps {
				if perms, ok := fetched[app.AppID]; ok {
					cached[app.AppID] = perms
					toCache[app.AppID] = metacache.VersionedPermissions{
						Version:     app.Version,
						Permissions: perms,
					}
				}
			}
			if err := r.cache.CachePermissionsBatch(ctx, toCache); err != nil {
				r.logger.Warn("Failed to cache app permissions", zap.Error(err))
			}
		}
	}

	for i := range set.Apps {
		set.Apps[i].Permissions = cached[set.Apps[i].AppID]
	}

	// Purge records tied to versions no app runs anymore.
	r.cache.CleanOldPermissionsBatch(ctx, pairs)
}
