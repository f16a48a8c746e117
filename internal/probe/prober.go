package probe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/orchardstore/orchard/internal/bridge"
	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/types"
)

// DefaultWindow bounds how long a probe waits for the confirmation prompt
// before reporting best-effort results. The window only ends the wait; it
// does not kill the session.
const DefaultWindow = 10 * time.Second

// Prober resolves install dependencies for apps.
type Prober struct {
	bridge bridge.Bridge
	window time.Duration
	logger *logging.Logger

	start  singleflight.Group // collapses concurrent session starts per app
	mu     sync.Mutex
	active map[string]*InstallProbe
}

// New creates a prober. window <= 0 uses DefaultWindow.
func New(b bridge.Bridge, window time.Duration, logger *logging.Logger) *Prober {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Prober{
		bridge: b,
		window: window,
		logger: logger,
		active: make(map[string]*InstallProbe),
	}
}

// Dependencies returns the packages an install of appID would fetch. It
// prefers the bridge's direct query; when the backend has none it starts an
// interactive session and parses its output up to the confirmation prompt.
// The session stays alive so a later install can confirm it instead of
// spawning a second process.
func (p *Prober) Dependencies(ctx context.Context, appID string) ([]types.Dependency, error) {
	deps, err := p.bridge.InstallDependencies(ctx, appID)
	if err == nil {
		return deps, nil
	}
	if !errors.Is(err, bridge.ErrUnsupported) {
		return nil, err
	}

	ip, err := p.Probe(ctx, appID)
	if err != nil {
		return nil, err
	}
	return ip.Wait(ctx), nil
}

// Probe starts (or reuses) the interactive probe session for appID.
// Concurrent callers for the same app share one session.
func (p *Prober) Probe(ctx context.Context, appID string) (*InstallProbe, error) {
	v, err, _ := p.start.Do(appID, func() (interface{}, error) {
		p.mu.Lock()
		if ip, ok := p.active[appID]; ok {
			p.mu.Unlock()
			return ip, nil
		}
		p.mu.Unlock()

		session, err := p.bridge.StartSession(ctx, appID)
		if err != nil {
			return nil, err
		}

		ip := &InstallProbe{
			appID:   appID,
			session: session,
			sub:     session.Subscribe(),
			window:  p.window,
			logger:  p.logger,
			ready:   make(chan struct{}),
			done:    make(chan struct{}),
		}

		p.mu.Lock()
		p.active[appID] = ip
		p.mu.Unlock()

		go func() {
			ip.consume()
			p.mu.Lock()
			if p.active[appID] == ip {
				delete(p.active, appID)
			}
			p.mu.Unlock()
		}()

		return ip, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*InstallProbe), nil
}

// Close tears down the live probe session for appID, if any. Called when
// the owning view unmounts.
func (p *Prober) Close(appID string) {
	p.mu.Lock()
	ip, ok := p.active[appID]
	if ok {
		delete(p.active, appID)
	}
	p.mu.Unlock()
	if ok {
		ip.Close()
	}
}

// InstallProbe is one live interactive probe session.
type InstallProbe struct {
	appID   string
	session bridge.Session
	sub     *bridge.Subscription
	window  time.Duration
	logger  *logging.Logger

	mu           sync.Mutex
	deps         []types.Dependency
	promptSeen   bool
	confirmQueue bool
	confirmSent  bool
	exited       bool

	ready     chan struct{} // closed when the confirmation prompt is detected
	done      chan struct{} // closed when the session exits
	closeDone sync.Once
}

// consume drives the session's event stream: collect dependency rows,
// auto-acknowledge runtime sub-prompts, detect the final confirmation and
// apply a queued confirmation at most once.
func (ip *InstallProbe) consume() {
	summaryFallback := []types.Dependency(nil)
	defer func() {
		ip.mu.Lock()
		ip.exited = true
		ip.mu.Unlock()
		ip.signalReady()
		ip.closeDone.Do(func() { close(ip.done) })
	}()

	for ev := range ip.sub.C {
		switch ev.Type {
		case bridge.EventExit:
			return
		case bridge.EventOutput, bridge.EventError:
		default:
			continue
		}

		line := ev.Line

		if dep, ok := parseNumberedRow(line); ok {
			ip.mu.Lock()
			ip.deps = append(ip.deps, dep)
			ip.mu.Unlock()
			continue
		}
		if dep, ok := parseSummaryLine(line); ok {
			summaryFallback = append(summaryFallback, dep)
			continue
		}

		// Runtime sub-prompts are acknowledged so the session reaches a
		// stable ready-to-confirm state without installing anything yet.
		if isRuntimePrompt(line) {
			if err := ip.session.Send("y\n"); err != nil {
				ip.logger.Warn("Failed to acknowledge runtime prompt",
					zap.String("app_id", ip.appID), zap.Error(err))
			}
			continue
		}

		if isConfirmPrompt(line) {
			ip.mu.Lock()
			ip.promptSeen = true
			if len(ip.deps) == 0 && len(summaryFallback) > 0 {
				ip.deps = summaryFallback
			}
			sendConfirm := ip.confirmQueue && !ip.confirmSent
			if sendConfirm {
				ip.confirmSent = true
			}
			ip.mu.Unlock()
			ip.signalReady()
			if sendConfirm {
				ip.sendYes()
			}
		}
	}
}

// Wait blocks until the confirmation prompt is detected, the session
// exits, or the probe window elapses, then returns whatever was parsed.
func (ip *InstallProbe) Wait(ctx context.Context) []types.Dependency {
	select {
	case <-ip.ready:
	case <-ctx.Done():
	case <-time.After(ip.window):
		ip.logger.Warn("Dependency probe window elapsed",
			zap.String("app_id", ip.appID))
	}

	ip.mu.Lock()
	defer ip.mu.Unlock()
	deps := make([]types.Dependency, len(ip.deps))
	copy(deps, ip.deps)
	return deps
}

// Confirm queues a confirmation for the live session. If the prompt is
// already on screen it is answered immediately; otherwise the answer is
// sent when the prompt is (re-)detected. The confirmation is applied at
// most once.
func (ip *InstallProbe) Confirm() {
	ip.mu.Lock()
	if ip.confirmSent || ip.exited {
		ip.mu.Unlock()
		return
	}
	if !ip.promptSeen {
		ip.confirmQueue = true
		ip.mu.Unlock()
		return
	}
	ip.confirmSent = true
	ip.mu.Unlock()
	ip.sendYes()
}

// Done is closed when the session exits.
func (ip *InstallProbe) Done() <-chan struct{} {
	return ip.done
}

// Close cancels the subscription and kills the session.
func (ip *InstallProbe) Close() {
	ip.sub.Cancel()
	ip.signalReady()
	ip.session.Kill()
}

func (ip *InstallProbe) sendYes() {
	if err := ip.session.Send("y\n"); err != nil {
		ip.logger.Warn("Failed to send confirmation",
			zap.String("app_id", ip.appID), zap.Error(err))
	}
}

func (ip *InstallProbe) signalReady() {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	select {
	case <-ip.ready:
	default:
		close(ip.ready)
	}
}
