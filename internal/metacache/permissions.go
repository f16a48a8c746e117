package metacache

import (
	"context"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

const permSchema = 1

const permPrefix = "perm:"

// AppVersion pairs an app with its currently installed version.
type AppVersion struct {
	AppID   string `json:"app_id"`
	Version string `json:"version"`
}

// VersionedPermissions is one app's permission list tied to the version it
// was read at. A record is trusted only while the stored version equals the
// app's installed version.
type VersionedPermissions struct {
	Version     string   `json:"version"`
	Permissions []string `json:"permissions"`
}

// GetPermissionsBatch returns cached permissions for each requested pair
// whose stored version exactly matches the requested version. Missing and
// version-mismatched apps are simply absent from the result.
func (c *Cache) GetPermissionsBatch(ctx context.Context, pairs []AppVersion) map[string][]string {
	result := make(map[string][]string, len(pairs))
	for _, pair := range pairs {
		rec, err := c.store.Get(ctx, permPrefix+pair.AppID)
		if err != nil {
			continue
		}
		if rec.Schema != permSchema {
			continue
		}
		var stored VersionedPermissions
		if err := sonic.Unmarshal(rec.Value, &stored); err != nil {
			c.logger.Warn("Discarding undecodable permission record",
				zap.String("app_id", pair.AppID), zap.Error(err))
			continue
		}
		if stored.Version != pair.Version {
			continue
		}
		result[pair.AppID] = stored.Permissions
	}
	return result
}

// CachePermissionsBatch upserts permission records.
func (c *Cache) CachePermissionsBatch(ctx context.Context, perms map[string]VersionedPermissions) error {
	for appID, vp := range perms {
		data, err := sonic.Marshal(vp)
		if err != nil {
			return err
		}
		if err := c.store.Set(ctx, permPrefix+appID, data, permSchema); err != nil {
			return err
		}
	}
	return nil
}

// CleanOldPermissionsBatch deletes any stored record whose version no
// longer matches the app's current version. Run as a maintenance pass after
// a refresh so records do not accumulate across upgrades.
func (c *Cache) CleanOldPermissionsBatch(ctx context.Context, current []AppVersion) {
	for _, pair := range current {
		rec, err := c.store.Get(ctx, permPrefix+pair.AppID)
		if err != nil {
			continue
		}
		var stored VersionedPermissions
		if rec.Schema != permSchema || sonic.Unmarshal(rec.Value, &stored) != nil {
			_ = c.store.Delete(ctx, permPrefix+pair.AppID)
			continue
		}
		if stored.Version != pair.Version {
			if err := c.store.Delete(ctx, permPrefix+pair.AppID); err != nil {
				c.logger.Warn("Failed to purge stale permission record",
					zap.String("app_id", pair.AppID), zap.Error(err))
			}
		}
	}
}

// MarkPermissionsOutdatedBatch invalidates cached permissions for the given
// apps. Called after updates, since a version bump may change permission
// sets.
func (c *Cache) MarkPermissionsOutdatedBatch(ctx context.Context, appIDs []string) {
	for _, appID := range appIDs {
		if err := c.store.Delete(ctx, permPrefix+appID); err != nil {
			c.logger.Warn("Failed to invalidate permission record",
				zap.String("app_id", appID), zap.Error(err))
		}
	}
}
