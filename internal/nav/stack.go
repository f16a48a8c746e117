// Package nav implements the in-memory back stack of UI views with
// per-frame scroll-position preservation.
package nav

import "sync"

// View tags what a frame shows.
type View string

const (
	ViewHome      View = "home"
	ViewApp       View = "app"
	ViewCategory  View = "category"
	ViewDeveloper View = "developer"
	ViewSearch    View = "search"
	ViewUpdates   View = "updates"
	ViewInstalled View = "installed"
)

// Frame is one entry on the navigation stack.
type Frame struct {
	View View `json:"view"`

	AppID       string `json:"app_id,omitempty"`
	CategoryID  string `json:"category_id,omitempty"`
	DeveloperID string `json:"developer_id,omitempty"`
	Query       string `json:"query,omitempty"`

	// ScrollOffset is the viewport position saved when the frame was
	// covered by a push.
	ScrollOffset float64 `json:"scroll_offset"`
}

// Stack is the back stack. The root frame is never popped. The scroll
// restore that follows a pop is deferred: the popped-to content is not
// rendered yet at pop time, so the offset is surfaced only after the UI
// reports the render complete.
type Stack struct {
	mu     sync.Mutex
	frames []Frame

	pendingRestore bool
	pendingOffset  float64

	restore func(offset float64)
}

// NewStack creates a stack with the given root frame.
func NewStack(root Frame) *Stack {
	return &Stack{frames: []Frame{root}}
}

// SetRestorer registers the scroll-restore hook invoked after a pop once
// the UI signals that the target frame has rendered.
func (s *Stack) SetRestorer(fn func(offset float64)) {
	s.mu.Lock()
	s.restore = fn
	s.mu.Unlock()
}

// Current returns the top frame.
func (s *Stack) Current() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

// Depth returns the stack depth including the root.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// CanGoBack reports whether a pop would change anything.
func (s *Stack) CanGoBack() bool {
	return s.Depth() > 1
}

// NavigateTo saves the current frame's scroll offset and pushes frame. The
// new frame always starts at the top of the viewport.
func (s *Stack) NavigateTo(frame Frame, currentScroll float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[len(s.frames)-1].ScrollOffset = currentScroll
	frame.ScrollOffset = 0
	s.frames = append(s.frames, frame)
	s.pendingRestore = false
}

// NavigateBack pops the top frame and returns the frame now on top. On a
// single-frame stack it is a no-op and returns the root with ok=false. The
// new top's saved offset becomes pending; it is applied by RenderComplete.
func (s *Stack) NavigateBack() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) <= 1 {
		return s.frames[0], false
	}
	s.frames = s.frames[:len(s.frames)-1]
	top := s.frames[len(s.frames)-1]
	s.pendingRestore = true
	s.pendingOffset = top.ScrollOffset
	return top, true
}

// RenderComplete signals that the view swapped in by the last pop has
// rendered; any pending scroll restore fires now. Calling it without a
// pending restore is a no-op.
func (s *Stack) RenderComplete() {
	s.mu.Lock()
	fire := s.pendingRestore
	offset := s.pendingOffset
	restore := s.restore
	s.pendingRestore = false
	s.mu.Unlock()

	if fire && restore != nil {
		restore(offset)
	}
}

// SaveScroll updates the top frame's scroll offset in place.
func (s *Stack) SaveScroll(offset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[len(s.frames)-1].ScrollOffset = offset
}
