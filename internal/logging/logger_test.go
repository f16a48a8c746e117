package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("valid levels", func(t *testing.T) {
		for _, level := range []string{"debug", "info", "warn", "error"} {
			logger, err := New(Config{Level: level, OutputPaths: []string{"stdout"}})
			require.NoError(t, err, "level %s", level)
			assert.NotNil(t, logger)
		}
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(Config{Level: "loud", OutputPaths: []string{"stdout"}})
		assert.Error(t, err)
	})
}

func TestConstructorsNeverReturnNil(t *testing.T) {
	assert.NotNil(t, NewDefault())
	assert.NotNil(t, NewDevelopment())
	assert.NotNil(t, NewNop())
}

func TestNamed(t *testing.T) {
	logger := NewNop().Named("bridge")
	assert.NotNil(t, logger)
	logger.Info("named loggers must be usable")
}
