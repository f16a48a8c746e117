package bridge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/monitoring"
	"github.com/orchardstore/orchard/internal/shared/id"
	"github.com/orchardstore/orchard/internal/types"
)

var progressRe = regexp.MustCompile(`(\d{1,3})%`)

// Flatpak drives the flatpak CLI. It implements Bridge.
type Flatpak struct {
	command  string
	sessions *SessionManager
	metrics  *monitoring.Metrics
	logger   *logging.Logger
}

// NewFlatpak creates the flatpak bridge. command is normally "flatpak".
func NewFlatpak(command string, sessions *SessionManager, metrics *monitoring.Metrics, logger *logging.Logger) *Flatpak {
	if logger == nil {
		logger = logging.NewNop()
	}
	if command == "" {
		command = "flatpak"
	}
	return &Flatpak{command: command, sessions: sessions, metrics: metrics, logger: logger}
}

// ListInstalled queries installed apps and runtimes. Runtime rows whose
// identifier extends an installed app's identifier are classified as that
// app's extensions.
func (f *Flatpak) ListInstalled(ctx context.Context) (*types.InstalledSet, error) {
	appOut, err := f.capture(ctx, "list", "--app", "--columns=application,name,version,branch,size")
	if err != nil {
		return nil, fmt.Errorf("listing installed apps: %w", err)
	}
	runtimeOut, err := f.capture(ctx, "list", "--runtime", "--columns=application,name,version,branch")
	if err != nil {
		return nil, fmt.Errorf("listing installed runtimes: %w", err)
	}

	set := &types.InstalledSet{}
	appIDs := make(map[string]bool)

	for _, fields := range parseColumns(appOut, 5) {
		app := types.InstalledApp{
			InstanceID: string(id.NewInstanceID()),
			AppID:      fields[0],
			Name:       fields[1],
			Version:    fields[2],
			Branch:     fields[3],
			Size:       fields[4],
		}
		appIDs[app.AppID] = true
		set.Apps = append(set.Apps, app)
	}

	for _, fields := range parseColumns(runtimeOut, 4) {
		ref := fields[0]
		if parent, ok := extensionParent(ref, appIDs); ok {
			set.Extensions = append(set.Extensions, types.InstalledExtension{
				InstanceID: string(id.NewInstanceID()),
				ID:         ref,
				ParentID:   parent,
				Name:       fields[1],
				Version:    fields[2],
				Branch:     fields[3],
			})
			continue
		}
		set.Runtimes = append(set.Runtimes, types.InstalledRuntime{
			InstanceID: string(id.NewInstanceID()),
			ID:         ref,
			Name:       fields[1],
			Version:    fields[2],
			Branch:     fields[3],
		})
	}

	return set, nil
}

// AvailableUpdates diffs remote versions against installed ones. The first
// return value holds per-app updates; the second is the total number of
// pending updates including runtimes and extensions.
func (f *Flatpak) AvailableUpdates(ctx context.Context) ([]types.UpdateInfo, int, error) {
	out, err := f.capture(ctx, "remote-ls", "--updates", "--columns=application,version,branch")
	if err != nil {
		return nil, 0, fmt.Errorf("listing available updates: %w", err)
	}

	set, err := f.ListInstalled(ctx)
	if err != nil {
		return nil, 0, err
	}
	installedApps := make(map[string]bool, len(set.Apps))
	for _, app := range set.Apps {
		installedApps[app.AppID] = true
	}

	var updates []types.UpdateInfo
	total := 0
	for _, fields := range parseColumns(out, 3) {
		total++
		if installedApps[fields[0]] {
			updates = append(updates, types.UpdateInfo{
				AppID:   fields[0],
				Version: fields[1],
				Branch:  fields[2],
			})
		}
	}
	return updates, total, nil
}

// Install installs an app, auto-confirming prompts.
func (f *Flatpak) Install(ctx context.Context, appID string) (*Operation, error) {
	return f.startOperation(ctx, "install", "install", "--noninteractive", appID)
}

// Uninstall removes an app.
func (f *Flatpak) Uninstall(ctx context.Context, appID string) (*Operation, error) {
	return f.startOperation(ctx, "uninstall", "uninstall", "--noninteractive", appID)
}

// Update updates one app.
func (f *Flatpak) Update(ctx context.Context, appID string) (*Operation, error) {
	return f.startOperation(ctx, "update", "update", "--noninteractive", appID)
}

// UpdateSystem updates everything still pending, runtimes and extensions
// included.
func (f *Flatpak) UpdateSystem(ctx context.Context) (*Operation, error) {
	return f.startOperation(ctx, "update_system", "update", "--noninteractive")
}

// InstallDependencies is not a native flatpak query; the dependency probe
// parses an interactive session instead.
func (f *Flatpak) InstallDependencies(context.Context, string) ([]types.Dependency, error) {
	return nil, ErrUnsupported
}

// PermissionsBatch reads each app's static permission set.
func (f *Flatpak) PermissionsBatch(ctx context.Context, appIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(appIDs))
	for _, appID := range appIDs {
		out, err := f.capture(ctx, "info", "--show-permissions", appID)
		if err != nil {
			// Missing app or transient failure degrades to an absent entry.
			f.logger.Warn("Failed to read app permissions",
				zap.String("app_id", appID), zap.Error(err))
			continue
		}
		result[appID] = parsePermissions(out)
	}
	return result, nil
}

// StartSession starts an interactive install session for appID.
func (f *Flatpak) StartSession(_ context.Context, appID string) (Session, error) {
	s, err := f.sessions.Start(appID, f.command, "install", appID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// startOperation launches the CLI under a PTY and streams its output as an
// Operation. Progress percentages found in output lines are forwarded as
// EventProgress.
func (f *Flatpak) startOperation(ctx context.Context, name string, args ...string) (*Operation, error) {
	cmd := exec.CommandContext(ctx, f.command, args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	op := NewOperation()
	timer := monitoring.NewTimer(f.metrics, name)

	go func() {
		var output []string

		scanner := bufio.NewScanner(ptmx)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(scanLines)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			output = append(output, line)
			op.Emit(Event{Type: EventOutput, Line: line})
			if match := progressRe.FindStringSubmatch(line); match != nil {
				pct := 0
				fmt.Sscanf(match[1], "%d", &pct)
				op.Emit(Event{Type: EventProgress, Progress: pct})
			}
		}

		err := cmd.Wait()
		ptmx.Close()

		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			exitCode = -1
		}

		if exitCode == 0 {
			timer.Stop("success")
			op.Finish(types.Ok(output))
		} else {
			timer.Stop("failure")
			f.logger.Warn("Package manager operation failed",
				zap.String("operation", name),
				zap.Int("exit_code", exitCode))
			op.Finish(types.Failed(exitCode, output))
		}
	}()

	return op, nil
}

// capture runs a short query command and returns its stdout.
func (f *Flatpak) capture(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, f.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (%s)", f.command, strings.Join(args, " "), err,
			strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// parseColumns splits tab-separated CLI output into rows padded to want
// columns. Blank lines are skipped.
func parseColumns(out string, want int) [][]string {
	var rows [][]string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		for len(fields) < want {
			fields = append(fields, "")
		}
		rows = append(rows, fields[:want])
	}
	return rows
}

// extensionParent reports whether ref is an extension of an installed app,
// returning the owning app's identifier.
func extensionParent(ref string, appIDs map[string]bool) (string, bool) {
	idx := strings.LastIndex(ref, ".")
	for idx > 0 {
		parent := ref[:idx]
		if appIDs[parent] {
			return parent, true
		}
		idx = strings.LastIndex(parent, ".")
	}
	return "", false
}

// parsePermissions flattens "key=a;b" permission lines to "key:a" tokens.
func parsePermissions(out string) []string {
	var perms []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}
		key, values, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		for _, v := range strings.Split(values, ";") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			perms = append(perms, key+":"+v)
		}
	}
	return perms
}
