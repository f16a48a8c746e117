// Package bridge talks to the underlying package manager. Long-running
// operations and interactive sessions are exposed as ordered event streams
// (output lines, progress, terminal exit), never as blocking calls that
// swallow their output.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/orchardstore/orchard/internal/types"
)

// ErrUnsupported marks an optional bridge capability the backend does not
// provide; callers fall back to the interactive path.
var ErrUnsupported = errors.New("bridge: operation not supported")

// EventType discriminates operation events.
type EventType int

const (
	// EventOutput is one line of normal output.
	EventOutput EventType = iota
	// EventError is one line of error output.
	EventError
	// EventProgress reports completion percent; -1 means indeterminate.
	EventProgress
	// EventExit is the terminal event carrying the exit code.
	EventExit
)

// Event is one element of an operation or session stream.
type Event struct {
	Type     EventType
	Line     string
	Progress int
	ExitCode int
}

// Bridge is the package-manager integration consumed by the rest of the
// daemon. Implementations must report subprocess failures through
// OperationResult, not through errors: an error return means the operation
// could not be started at all.
type Bridge interface {
	// ListInstalled returns a full snapshot of installed apps, extensions
	// and runtimes.
	ListInstalled(ctx context.Context) (*types.InstalledSet, error)

	// AvailableUpdates returns per-app pending updates plus the total
	// number of pending updates including system-level runtime and
	// extension updates.
	AvailableUpdates(ctx context.Context) ([]types.UpdateInfo, int, error)

	Install(ctx context.Context, appID string) (*Operation, error)
	Uninstall(ctx context.Context, appID string) (*Operation, error)
	Update(ctx context.Context, appID string) (*Operation, error)
	UpdateSystem(ctx context.Context) (*Operation, error)

	// InstallDependencies is the direct dependency query. Backends without
	// one return ErrUnsupported and the probe parses an interactive
	// session instead.
	InstallDependencies(ctx context.Context, appID string) ([]types.Dependency, error)

	// PermissionsBatch returns the permission list for each app.
	PermissionsBatch(ctx context.Context, appIDs []string) (map[string][]string, error)

	// StartSession starts an interactive session for appID.
	StartSession(ctx context.Context, appID string) (Session, error)
}

// Session is one live interactive package-manager session. Subscribers
// receive ordered output lines and a terminal exit event; Kill tears the
// subprocess down when the owning view unmounts.
type Session interface {
	Subscribe() *Subscription
	Send(text string) error
	Kill()
}

// Operation is one in-flight package-manager invocation. Events arrive in
// order on Events; the channel is closed after the EventExit event.
type Operation struct {
	mu       sync.Mutex
	finished bool
	events   chan Event
	done     chan struct{}
	result   types.OperationResult
}

// NewOperation creates an operation for an implementation (or a test fake)
// to drive.
func NewOperation() *Operation {
	return &Operation{
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// Events returns the ordered event stream.
func (o *Operation) Events() <-chan Event {
	return o.events
}

// Emit appends an event to the stream. Events emitted after Finish are
// dropped, as is the oldest buffered event when a consumer lags far behind.
func (o *Operation) Emit(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return
	}
	for {
		select {
		case o.events <- ev:
			return
		default:
			select {
			case <-o.events:
			default:
			}
		}
	}
}

// Finish records the terminal result, emits EventExit and closes the
// stream. It must be called exactly once.
func (o *Operation) Finish(result types.OperationResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return
	}
	o.finished = true
	o.result = result
	exit := Event{Type: EventExit, ExitCode: result.ExitCode}
	for {
		select {
		case o.events <- exit:
			close(o.events)
			close(o.done)
			return
		default:
			select {
			case <-o.events:
			default:
			}
		}
	}
}

// Wait blocks until the operation finishes and returns its result. A
// canceled context yields a failed result rather than an error: operation
// outcomes are always structured.
func (o *Operation) Wait(ctx context.Context) types.OperationResult {
	select {
	case <-o.done:
		return o.result
	case <-ctx.Done():
		return types.Failed(-1, []string{ctx.Err().Error()})
	}
}
