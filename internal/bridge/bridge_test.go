package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchardstore/orchard/internal/types"
)

func TestOperationStream(t *testing.T) {
	op := NewOperation()

	go func() {
		op.Emit(Event{Type: EventOutput, Line: "Installing…"})
		op.Emit(Event{Type: EventProgress, Progress: 40})
		op.Emit(Event{Type: EventOutput, Line: "done"})
		op.Finish(types.Ok([]string{"Installing…", "done"}))
	}()

	var got []Event
	for ev := range op.Events() {
		got = append(got, ev)
	}

	require.Len(t, got, 4)
	assert.Equal(t, EventOutput, got[0].Type)
	assert.Equal(t, EventProgress, got[1].Type)
	assert.Equal(t, 40, got[1].Progress)
	assert.Equal(t, EventExit, got[3].Type)
	assert.Equal(t, 0, got[3].ExitCode)

	result := op.Wait(context.Background())
	assert.True(t, result.Success)
	assert.Equal(t, []string{"Installing…", "done"}, result.Output)
}

func TestOperationFailure(t *testing.T) {
	op := NewOperation()
	go op.Finish(types.Failed(1, []string{"error: conflict"}))

	result := op.Wait(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, []string{"error: conflict"}, result.Output)
}

func TestOperationEmitAfterFinishDropped(t *testing.T) {
	op := NewOperation()
	op.Finish(types.Ok(nil))
	op.Emit(Event{Type: EventOutput, Line: "late"})
	op.Finish(types.Failed(1, nil))

	var got []Event
	for ev := range op.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, EventExit, got[0].Type)
	assert.True(t, op.Wait(context.Background()).Success, "first finish wins")
}

func TestOperationSlowConsumerDropsOldest(t *testing.T) {
	op := NewOperation()
	// Nobody reads while far more events than the buffer holds are emitted;
	// Emit and Finish must not block.
	for i := 0; i < 1000; i++ {
		op.Emit(Event{Type: EventOutput, Line: "spam"})
	}
	op.Finish(types.Ok(nil))

	last := Event{}
	for ev := range op.Events() {
		last = ev
	}
	assert.Equal(t, EventExit, last.Type, "exit event survives the drops")
}

func TestOperationWaitCanceledContext(t *testing.T) {
	op := NewOperation()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result := op.Wait(ctx)
	assert.False(t, result.Success)
	assert.Equal(t, -1, result.ExitCode)
}

func TestParseColumns(t *testing.T) {
	t.Run("tab separated rows", func(t *testing.T) {
		out := "org.gimp.GIMP\tGIMP\t2.10.36\tstable\t1.2 GB\norg.vlc.VLC\tVLC\t3.0.20\tstable\t500 MB\n"
		rows := parseColumns(out, 5)
		require.Len(t, rows, 2)
		assert.Equal(t, []string{"org.gimp.GIMP", "GIMP", "2.10.36", "stable", "1.2 GB"}, rows[0])
	})

	t.Run("short rows padded", func(t *testing.T) {
		rows := parseColumns("org.example.App\tExample\n", 5)
		require.Len(t, rows, 1)
		assert.Equal(t, []string{"org.example.App", "Example", "", "", ""}, rows[0])
	})

	t.Run("blank lines and CR skipped", func(t *testing.T) {
		rows := parseColumns("\norg.example.App\tExample\tv1\r\n\n", 3)
		require.Len(t, rows, 1)
		assert.Equal(t, "v1", rows[0][2])
	})

	t.Run("extra columns truncated", func(t *testing.T) {
		rows := parseColumns("a\tb\tc\td\n", 2)
		require.Len(t, rows, 1)
		assert.Equal(t, []string{"a", "b"}, rows[0])
	})
}

func TestExtensionParent(t *testing.T) {
	installed := map[string]bool{
		"org.gimp.GIMP":         true,
		"com.obsproject.Studio": true,
	}

	t.Run("direct extension", func(t *testing.T) {
		parent, ok := extensionParent("org.gimp.GIMP.Plugin.Fourier", installed)
		assert.True(t, ok)
		assert.Equal(t, "org.gimp.GIMP", parent)
	})

	t.Run("nested extension id", func(t *testing.T) {
		parent, ok := extensionParent("com.obsproject.Studio.Plugin.Gstreamer", installed)
		assert.True(t, ok)
		assert.Equal(t, "com.obsproject.Studio", parent)
	})

	t.Run("plain runtime is not an extension", func(t *testing.T) {
		_, ok := extensionParent("org.freedesktop.Platform", installed)
		assert.False(t, ok)
	})

	t.Run("similar prefix without dot boundary", func(t *testing.T) {
		_, ok := extensionParent("org.gimp.GIMPExtra", installed)
		assert.False(t, ok)
	})
}

func TestParsePermissions(t *testing.T) {
	out := `[Context]
shared=network;ipc
sockets=x11;wayland;pulseaudio
devices=dri

[Session Bus Policy]
org.freedesktop.Notifications=talk
`
	perms := parsePermissions(out)
	assert.Equal(t, []string{
		"shared:network",
		"shared:ipc",
		"sockets:x11",
		"sockets:wayland",
		"sockets:pulseaudio",
		"devices:dri",
		"org.freedesktop.Notifications:talk",
	}, perms)
}

func TestParsePermissionsEmpty(t *testing.T) {
	assert.Empty(t, parsePermissions(""))
	assert.Empty(t, parsePermissions("[Context]\n\n"))
}
