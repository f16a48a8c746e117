package bridge

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, input string) []string {
	t.Helper()
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanLines)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestScanLines(t *testing.T) {
	t.Run("plain newlines", func(t *testing.T) {
		assert.Equal(t, []string{"one", "two"}, scanAll(t, "one\ntwo\n"))
	})

	t.Run("carriage return redraws split into lines", func(t *testing.T) {
		// Interactive progress output rewrites the same line with \r.
		assert.Equal(t,
			[]string{"Downloading 10%", "Downloading 60%", "Downloading 100%"},
			scanAll(t, "Downloading 10%\rDownloading 60%\rDownloading 100%\n"))
	})

	t.Run("crlf is one boundary", func(t *testing.T) {
		assert.Equal(t, []string{"one", "two"}, scanAll(t, "one\r\ntwo\r\n"))
	})

	t.Run("trailing data without newline", func(t *testing.T) {
		assert.Equal(t, []string{"partial"}, scanAll(t, "partial"))
	})

	t.Run("mixed separators", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b", "c", "d"}, scanAll(t, "a\rb\nc\r\nd"))
	})
}

func TestSessionManagerGetMissing(t *testing.T) {
	m := NewSessionManager(nil, nil)
	_, ok := m.Get("org.example.App")
	assert.False(t, ok)
	assert.Error(t, m.Kill("org.example.App"))
}
