package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchardstore/orchard/internal/types"
)

func TestFeedPushesStateSnapshots(t *testing.T) {
	router, store, _ := newTestRouter(t, &apiBridge{})

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// The initial snapshot arrives before any mutation.
	var first wsMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "state", first.Type)

	store.Replace(&types.InstalledSet{
		Apps: []types.InstalledApp{{AppID: "org.gimp.GIMP", Version: "2.10"}},
	})

	var second wsMessage
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "state", second.Type)

	payload, ok := second.Payload.(map[string]interface{})
	require.True(t, ok)
	apps, ok := payload["apps"].([]interface{})
	require.True(t, ok)
	assert.Len(t, apps, 1)
}

func TestFeedPushesUpdateAllStatus(t *testing.T) {
	fb := &apiBridge{updateResult: types.Ok(nil)}
	router, store, orch := newTestRouter(t, fb)
	store.SetAvailableUpdates([]types.UpdateInfo{{AppID: "org.gimp.GIMP"}}, 1)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first wsMessage
	require.NoError(t, conn.ReadJSON(&first))

	orch.Run(t.Context())

	// Status transitions stream as update_all messages; read until one
	// arrives (store changes may interleave).
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "update_all" {
			payload, ok := msg.Payload.(map[string]interface{})
			require.True(t, ok)
			assert.Contains(t, payload, "state")
			return
		}
	}
}
