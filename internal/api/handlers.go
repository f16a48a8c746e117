// Package api exposes daemon state and operations to the GUI over HTTP and
// WebSocket.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchardstore/orchard/internal/appstate"
	"github.com/orchardstore/orchard/internal/bridge"
	"github.com/orchardstore/orchard/internal/catalog"
	"github.com/orchardstore/orchard/internal/imagecache"
	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/probe"
	"github.com/orchardstore/orchard/internal/shared/id"
	"github.com/orchardstore/orchard/internal/types"
	"github.com/orchardstore/orchard/internal/updater"
)

// Handlers carries the daemon components behind the HTTP surface.
type Handlers struct {
	Store        *appstate.Store
	Refresher    *appstate.Refresher
	Bridge       bridge.Bridge
	Orchestrator *updater.Orchestrator
	Prober       *probe.Prober
	Catalog      *catalog.Client
	Images       *imagecache.Manager
	Logger       *logging.Logger
}

// Register mounts all API routes on router.
func (h *Handlers) Register(router gin.IRouter) {
	api := router.Group("/api")

	api.GET("/apps", h.installedApps)
	api.GET("/apps/:id/extensions", h.appExtensions)
	api.GET("/runtimes", h.runtimes)
	api.GET("/updates", h.updates)
	api.POST("/refresh", h.refresh)

	api.POST("/apps/:id/install", h.install)
	api.POST("/apps/:id/uninstall", h.uninstall)
	api.POST("/apps/:id/update", h.update)

	api.GET("/apps/:id/dependencies", h.dependencies)
	api.POST("/apps/:id/confirm", h.confirmInstall)
	api.DELETE("/apps/:id/session", h.closeSession)

	api.POST("/update-all", h.updateAll)
	api.GET("/update-all/status", h.updateAllStatus)

	api.GET("/catalog/app-of-the-day", h.appOfTheDay)
	api.GET("/catalog/categories/:id/apps", h.categoryApps)
	api.GET("/catalog/search", h.search)
	api.GET("/catalog/apps/:id/screenshots", h.screenshots)

	api.GET("/images", h.image)
}

func (h *Handlers) installedApps(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"apps": h.Store.InstalledApps()})
}

func (h *Handlers) appExtensions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"extensions": h.Store.ExtensionsFor(c.Param("id"))})
}

func (h *Handlers) runtimes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runtimes": h.Store.Runtimes()})
}

func (h *Handlers) updates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"updates": h.Store.AppUpdates(),
		"system":  h.Store.SystemUpdateCount(),
		"count":   h.Store.UpdateCount(),
	})
}

func (h *Handlers) refresh(c *gin.Context) {
	if err := h.Refresher.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// install runs an install to completion and returns its structured result.
// On success the store is patched immediately; the background refresh that
// follows rebuilds the full collection.
func (h *Handlers) install(c *gin.Context) {
	appID := c.Param("id")
	op, err := h.Bridge.Install(c.Request.Context(), appID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	result := h.drain(c.Request.Context(), op)
	if result.Success {
		h.Store.MarkInstalled(types.InstalledApp{
			InstanceID: string(id.NewInstanceID()),
			AppID:      appID,
			Name:       appID,
		})
		h.refreshAsync()
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) uninstall(c *gin.Context) {
	appID := c.Param("id")
	op, err := h.Bridge.Uninstall(c.Request.Context(), appID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	result := h.drain(c.Request.Context(), op)
	if result.Success {
		h.Store.MarkUninstalled(appID)
		h.refreshAsync()
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) update(c *gin.Context) {
	op, err := h.Bridge.Update(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	result := h.drain(c.Request.Context(), op)
	if result.Success {
		h.refreshAsync()
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) dependencies(c *gin.Context) {
	deps, err := h.Prober.Dependencies(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if deps == nil {
		deps = []types.Dependency{}
	}
	c.JSON(http.StatusOK, gin.H{"dependencies": deps})
}

// confirmInstall queues a confirmation on the live probe session so the
// install proceeds without spawning a second process.
func (h *Handlers) confirmInstall(c *gin.Context) {
	appID := c.Param("id")
	ip, err := h.Prober.Probe(c.Request.Context(), appID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	ip.Confirm()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// closeSession tears down a probe session when the owning view unmounts.
func (h *Handlers) closeSession(c *gin.Context) {
	h.Prober.Close(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (h *Handlers) updateAll(c *gin.Context) {
	if !h.Orchestrator.Start(context.WithoutCancel(c.Request.Context())) {
		c.JSON(http.StatusConflict, gin.H{"error": "update-all already running"})
		return
	}
	c.JSON(http.StatusAccepted, h.Orchestrator.Status())
}

func (h *Handlers) updateAllStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Orchestrator.Status())
}

func (h *Handlers) appOfTheDay(c *gin.Context) {
	aotd, err := h.Catalog.AppOfTheDay(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, aotd)
}

func (h *Handlers) categoryApps(c *gin.Context) {
	apps, err := h.Catalog.CategoryApps(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"apps": apps})
}

func (h *Handlers) search(c *gin.Context) {
	apps, err := h.Catalog.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"apps": apps})
}

func (h *Handlers) screenshots(c *gin.Context) {
	shots, err := h.Catalog.Screenshots(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"screenshots": shots})
}

// image resolves a remote image to its local cache path, downloading it at
// the requested priority if needed.
func (h *Handlers) image(c *gin.Context) {
	rawURL := c.Query("url")
	if rawURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	priority, err := strconv.Atoi(c.DefaultQuery("priority", "1"))
	if err != nil || priority < imagecache.PriorityVisible || priority > imagecache.PriorityBackground {
		priority = imagecache.PriorityBackground
	}

	path, err := h.Images.GetOrCache(c.Request.Context(), c.Query("owner"), rawURL, priority)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

// drain consumes an operation's event stream and returns its result.
func (h *Handlers) drain(ctx context.Context, op *bridge.Operation) types.OperationResult {
	for range op.Events() {
	}
	return op.Wait(ctx)
}

func (h *Handlers) refreshAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := h.Refresher.Refresh(ctx); err != nil {
			h.Logger.Warn("Post-operation refresh failed", zap.Error(err))
		}
	}()
}
