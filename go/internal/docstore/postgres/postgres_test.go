package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sqlc-dev/pqtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/typeracer/go/internal/docstore"
)

func TestDecodeBody(t *testing.T) {
	root, err := decodeBody(pqtype.NullRawMessage{})
	require.NoError(t, err)
	assert.Nil(t, root)

	root, err = decodeBody(pqtype.NullRawMessage{RawMessage: json.RawMessage(`{"text":"go fast"}`), Valid: true})
	require.NoError(t, err)
	assert.Equal(t, "go fast", root["text"])

	_, err = decodeBody(pqtype.NullRawMessage{RawMessage: json.RawMessage(`[1,2]`), Valid: true})
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "room_documents", cfg.NotifyChannel)
	assert.Less(t, cfg.MinReconnectInterval, cfg.MaxReconnectInterval)
}

func TestSubscribeInitialSnapshotPrecedesNotifications(t *testing.T) {
	initialLoading := make(chan struct{})
	releaseInitial := make(chan struct{})

	var (
		loadMu sync.Mutex
		loads  int
	)
	b := &Backend{
		cfg:  DefaultConfig(),
		subs: make(map[string]map[uint64]*subscription),
	}
	b.loadDoc = func(ctx context.Context, key string) (map[string]any, uint64, error) {
		loadMu.Lock()
		loads++
		n := loads
		loadMu.Unlock()
		if n == 1 {
			// The initial read sees revision 1 but is slow to return.
			close(initialLoading)
			<-releaseInitial
			return map[string]any{"status": "waiting"}, 1, nil
		}
		return map[string]any{"status": "countdown"}, 2, nil
	}

	var (
		mu  sync.Mutex
		got []uint64
	)
	subscribed := make(chan func())
	go func() {
		cancel, err := b.subscribe(context.Background(), docstore.RoomPath("ABC123"), func(s docstore.Snapshot) {
			mu.Lock()
			got = append(got, s.Revision)
			mu.Unlock()
		})
		assert.NoError(t, err)
		subscribed <- cancel
	}()

	<-initialLoading
	fanned := make(chan struct{})
	go func() {
		b.fanOut(context.Background(), "rooms/ABC123")
		close(fanned)
	}()
	time.Sleep(20 * time.Millisecond)
	close(releaseInitial)

	cancel := <-subscribed
	defer cancel()
	<-fanned

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, got)
}
