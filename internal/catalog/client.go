// Package catalog is a thin client for the remote application catalog.
// Hot sections (app of the day, screenshots) go through the metadata cache
// with a stale-while-revalidate read pattern: cached data renders
// immediately while a refetch happens in the background.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/metacache"
)

// Section names used in the metadata cache.
const (
	SectionAppOfTheDay = "app_of_the_day"

	screenshotSectionPrefix = "screenshots:"
)

// App is one catalog entry as rendered on cards and detail pages.
type App struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Summary     string   `json:"summary,omitempty"`
	Developer   string   `json:"developer,omitempty"`
	Version     string   `json:"version,omitempty"`
	IconURL     string   `json:"icon_url,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	DownloadURL string   `json:"download_url,omitempty"`
}

// AppOfTheDay is the featured catalog section.
type AppOfTheDay struct {
	App    App    `json:"app"`
	Banner string `json:"banner,omitempty"`
	Blurb  string `json:"blurb,omitempty"`
}

// Screenshot is one app screenshot reference.
type Screenshot struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// Client talks to the catalog backend.
type Client struct {
	http   *resty.Client
	cache  *metacache.Cache
	logger *logging.Logger
}

// New creates a catalog client. cache may be nil, which disables the
// stale-while-revalidate layer.
func New(baseURL string, timeout time.Duration, cache *metacache.Cache, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.Logger = nil

	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "Orchard-Catalog/1.0").
		SetTransport(retryClient.HTTPClient.Transport)

	return &Client{http: http, cache: cache, logger: logger}
}

// AppOfTheDay returns the featured section. A cached copy is returned
// immediately when present; if it is stale, a background refetch updates
// the cache for the next read.
func (c *Client) AppOfTheDay(ctx context.Context) (*AppOfTheDay, error) {
	var cached AppOfTheDay
	hasCached := c.cache != nil && c.cache.GetSection(ctx, SectionAppOfTheDay, &cached)

	if !hasCached {
		fresh, err := c.fetchAppOfTheDay(ctx)
		if err != nil {
			return nil, err
		}
		c.storeSection(ctx, SectionAppOfTheDay, fresh)
		return fresh, nil
	}

	if c.cache.ShouldUpdateSection(ctx, SectionAppOfTheDay) {
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			fresh, err := c.fetchAppOfTheDay(bg)
			if err != nil {
				c.logger.Warn("Background refresh of app of the day failed", zap.Error(err))
				return
			}
			c.storeSection(bg, SectionAppOfTheDay, fresh)
		}()
	}

	return &cached, nil
}

// CategoryApps lists the catalog apps in one category.
func (c *Client) CategoryApps(ctx context.Context, categoryID string) ([]App, error) {
	var apps []App
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&apps).
		Get(fmt.Sprintf("/categories/%s/apps", categoryID))
	if err != nil {
		return nil, fmt.Errorf("fetching category %s: %w", categoryID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching category %s: status %d", categoryID, resp.StatusCode())
	}
	return apps, nil
}

// Search queries the catalog.
func (c *Client) Search(ctx context.Context, query string) ([]App, error) {
	var apps []App
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetResult(&apps).
		Get("/search")
	if err != nil {
		return nil, fmt.Errorf("searching catalog: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("searching catalog: status %d", resp.StatusCode())
	}
	return apps, nil
}

// Screenshots lists an app's screenshots, caching the list per app. Like
// AppOfTheDay, a stale cached list is returned immediately while a
// background refetch updates the cache for the next read.
func (c *Client) Screenshots(ctx context.Context, appID string) ([]Screenshot, error) {
	section := screenshotSectionPrefix + appID

	var cached []Screenshot
	hasCached := c.cache != nil && c.cache.GetSection(ctx, section, &cached)

	if !hasCached {
		fresh, err := c.fetchScreenshots(ctx, appID)
		if err != nil {
			return nil, err
		}
		c.storeSection(ctx, section, fresh)
		return fresh, nil
	}

	if c.cache.ShouldUpdateSection(ctx, section) {
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			fresh, err := c.fetchScreenshots(bg, appID)
			if err != nil {
				c.logger.Warn("Background refresh of screenshots failed",
					zap.String("app_id", appID), zap.Error(err))
				return
			}
			c.storeSection(bg, section, fresh)
		}()
	}

	return cached, nil
}

func (c *Client) storeSection(ctx context.Context, name string, payload interface{}) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetSection(ctx, name, payload); err != nil {
		c.logger.Warn("Failed to cache catalog section",
			zap.String("section", name), zap.Error(err))
	}
}

func (c *Client) fetchScreenshots(ctx context.Context, appID string) ([]Screenshot, error) {
	var shots []Screenshot
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&shots).
		Get(fmt.Sprintf("/apps/%s/screenshots", appID))
	if err != nil {
		return nil, fmt.Errorf("fetching screenshots for %s: %w", appID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching screenshots for %s: status %d", appID, resp.StatusCode())
	}
	return shots, nil
}

func (c *Client) fetchAppOfTheDay(ctx context.Context) (*AppOfTheDay, error) {
	var aotd AppOfTheDay
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&aotd).
		Get("/app-of-the-day")
	if err != nil {
		return nil, fmt.Errorf("fetching app of the day: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching app of the day: status %d", resp.StatusCode())
	}
	return &aotd, nil
}
