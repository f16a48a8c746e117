package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumberedRow(t *testing.T) {
	t.Run("plain row with download and installed sizes", func(t *testing.T) {
		dep, ok := parseNumberedRow("1. org.freedesktop.Platform 23.08 i flathub 180.5 MB 650 MB")
		require.True(t, ok)
		assert.Equal(t, "org.freedesktop.Platform", dep.Name)
		assert.Equal(t, "180.5 MB", dep.DownloadSize)
		assert.Equal(t, "650 MB", dep.InstalledSize)
	})

	t.Run("comma decimal separator", func(t *testing.T) {
		dep, ok := parseNumberedRow("2. org.gnome.Platform 45 i flathub 210,3 MB 830,1 MB")
		require.True(t, ok)
		assert.Equal(t, "210,3 MB", dep.DownloadSize)
		assert.Equal(t, "830,1 MB", dep.InstalledSize)
	})

	t.Run("non-breaking spaces and tabs", func(t *testing.T) {
		dep, ok := parseNumberedRow("1.\torg.kde.Platform 5.15 i flathub 95.2 MB 310 MB")
		require.True(t, ok)
		assert.Equal(t, "org.kde.Platform", dep.Name)
		assert.Equal(t, "95.2 MB", dep.DownloadSize)
		assert.Equal(t, "310 MB", dep.InstalledSize)
	})

	t.Run("mis-decoded nbsp artifacts", func(t *testing.T) {
		dep, ok := parseNumberedRow("1. org.kde.Platform 5.15 i flathub 95.2Â MB 310Â MB")
		require.True(t, ok)
		assert.Equal(t, "95.2 MB", dep.DownloadSize)
		assert.Equal(t, "310 MB", dep.InstalledSize)
	})

	t.Run("partial download marker", func(t *testing.T) {
		dep, ok := parseNumberedRow("3. org.gimp.GIMP.Plugin.Fourier 2.10 i flathub < 1.2 MB (partial) 4 MB")
		require.True(t, ok)
		assert.Equal(t, "< 1.2 MB (partial)", dep.DownloadSize)
		assert.Equal(t, "4 MB", dep.InstalledSize)
	})

	t.Run("selection mark after ordinal", func(t *testing.T) {
		dep, ok := parseNumberedRow("1. [✓] org.freedesktop.Platform.GL.default 23.08 i flathub 150 MB 400 MB")
		require.True(t, ok)
		assert.Equal(t, "org.freedesktop.Platform.GL.default", dep.Name)
		assert.Equal(t, "150 MB", dep.DownloadSize)
	})

	t.Run("no size tokens degrades to unknown", func(t *testing.T) {
		dep, ok := parseNumberedRow("4. org.example.NoSizes stable i flathub")
		require.True(t, ok)
		assert.Equal(t, UnknownSize, dep.DownloadSize)
		assert.Equal(t, UnknownSize, dep.InstalledSize)
	})

	t.Run("single size run fills download only", func(t *testing.T) {
		dep, ok := parseNumberedRow("5. org.example.OneSize stable i flathub 12.5 kB")
		require.True(t, ok)
		assert.Equal(t, "12.5 kB", dep.DownloadSize)
		assert.Equal(t, UnknownSize, dep.InstalledSize)
	})

	t.Run("rejects non-numbered lines", func(t *testing.T) {
		_, ok := parseNumberedRow("Installing org.gimp.GIMP")
		assert.False(t, ok)
		_, ok = parseNumberedRow("")
		assert.False(t, ok)
		_, ok = parseNumberedRow("1 org.example.MissingDot stable")
		assert.False(t, ok)
	})
}

func TestParseSummaryLine(t *testing.T) {
	t.Run("ref remote size", func(t *testing.T) {
		dep, ok := parseSummaryLine("runtime/org.freedesktop.Platform/x86_64/23.08 flathub 180.5 MB")
		require.True(t, ok)
		assert.Equal(t, "org.freedesktop.Platform", dep.Name)
		assert.Equal(t, "180.5 MB", dep.DownloadSize)
		assert.Equal(t, UnknownSize, dep.InstalledSize)
	})

	t.Run("app ref", func(t *testing.T) {
		dep, ok := parseSummaryLine("app/org.gimp.GIMP/x86_64/stable flathub 95 MB")
		require.True(t, ok)
		assert.Equal(t, "org.gimp.GIMP", dep.Name)
	})

	t.Run("rejects non-ref lines", func(t *testing.T) {
		_, ok := parseSummaryLine("Looking for matches…")
		assert.False(t, ok)
		_, ok = parseSummaryLine("org.gimp.GIMP flathub 95 MB")
		assert.False(t, ok)
	})
}

func TestPromptDetection(t *testing.T) {
	t.Run("confirm prompts", func(t *testing.T) {
		assert.True(t, isConfirmPrompt("Proceed with these changes to the system installation? [Y/n]:"))
		assert.True(t, isConfirmPrompt("Changes complete. Continue? [y/N]"))
		assert.True(t, isConfirmPrompt("Install these packages? (y/n)"))
		assert.False(t, isConfirmPrompt("Installing 3 of 7…"))
	})

	t.Run("runtime sub-prompts", func(t *testing.T) {
		assert.True(t, isRuntimePrompt("Required runtime for org.gimp.GIMP/x86_64/stable (runtime/org.gnome.Platform/x86_64/45) found. Do you want to install it? [Y/n]:"))
		assert.False(t, isRuntimePrompt("Proceed with these changes? [Y/n]:"), "final confirmation is not a runtime prompt")
	})

	t.Run("runtime prompt is also a confirm prompt shape", func(t *testing.T) {
		// Consumers must test for the runtime prompt first.
		line := "Required runtime found. Do you want to install it? [Y/n]:"
		assert.True(t, isRuntimePrompt(line))
		assert.True(t, isConfirmPrompt(line))
	})
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b c", normalize("a\tb c"))
	assert.Equal(t, "a b", normalize("  a    b  "))
	assert.Equal(t, "95.2 MB", normalize("95.2 MB"))
}
