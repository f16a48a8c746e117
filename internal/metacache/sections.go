// Package metacache implements the staleness-aware local metadata cache:
// sectioned catalog payloads (TTL-gated, stale-while-revalidate) and
// batched per-app permission records keyed by installed version.
package metacache

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/storage"
)

// sectionSchema tags section records. Records written by an older schema
// are treated as absent, which forces a refetch instead of probing the
// payload for missing nested fields.
const sectionSchema = 2

const sectionPrefix = "section:"

// DefaultSectionTTL applies when no per-section TTL is configured.
const DefaultSectionTTL = 6 * time.Hour

// Cache is the metadata cache over the persisted store.
type Cache struct {
	store  *storage.Store
	logger *logging.Logger
	ttls   map[string]time.Duration
	now    func() time.Time
}

// New creates a metadata cache. ttls maps section names to their TTL;
// unnamed sections use DefaultSectionTTL.
func New(store *storage.Store, ttls map[string]time.Duration, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cache{
		store:  store,
		logger: logger,
		ttls:   ttls,
		now:    time.Now,
	}
}

// ShouldUpdateSection reports whether a network refetch of the section is
// due: true when no record exists, the record predates the current schema,
// or the section TTL has elapsed since the record was written.
func (c *Cache) ShouldUpdateSection(ctx context.Context, name string) bool {
	rec, err := c.store.Get(ctx, sectionPrefix+name)
	if err != nil {
		return true
	}
	if rec.Schema != sectionSchema {
		return true
	}
	return c.now().Sub(rec.UpdatedAt) >= c.sectionTTL(name)
}

// GetSection decodes the cached payload for name into out. It never touches
// the network: a miss, schema mismatch, or decode failure returns false and
// leaves out untouched. Callers render the cached value immediately and
// refetch in the background when ShouldUpdateSection says so.
func (c *Cache) GetSection(ctx context.Context, name string, out interface{}) bool {
	rec, err := c.store.Get(ctx, sectionPrefix+name)
	if err != nil {
		return false
	}
	if rec.Schema != sectionSchema {
		return false
	}
	if err := sonic.Unmarshal(rec.Value, out); err != nil {
		c.logger.Warn("Discarding undecodable section record",
			zap.String("section", name), zap.Error(err))
		return false
	}
	return true
}

// SetSection stores the payload for name and resets its staleness gate.
func (c *Cache) SetSection(ctx context.Context, name string, payload interface{}) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, sectionPrefix+name, data, sectionSchema)
}

func (c *Cache) sectionTTL(name string) time.Duration {
	if ttl, ok := c.ttls[name]; ok {
		return ttl
	}
	return DefaultSectionTTL
}
