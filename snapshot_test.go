package msgcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshotStore(t *testing.T) *SQLiteSnapshotStore {
	t.Helper()
	store, err := NewSQLiteSnapshotStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func populatedState() *State {
	home, pm := HomeNarrow(), PmNarrow(3)
	return reduceAll(
		RealmInit{Own: testOwn, RecentPrivateConversations: []RecentPrivateConversation{{UserIDs: []int64{4}, MaxMessageID: 1}}},
		fetched(home, LastMessageAnchor, 10, 0, streamMsg(2, testStream, "lunch", FlagStarred), pmMsg(3, 3)),
		fetched(pm, LastMessageAnchor, 10, 0, pmMsg(3, 3)),
		ReactionAdd{MessageID: 2, Reaction: Reaction{EmojiName: "smile", UserID: 3}},
	)
}

func TestSnapshotStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(t)
	st := populatedState()
	savedAt := time.UnixMilli(1700000000123)

	require.NoError(t, store.Save(ctx, &Snapshot{Account: "me@example.com", Epoch: 4, SavedAt: savedAt, State: st}))
	snap, err := store.Load(ctx, "me@example.com")
	require.NoError(t, err)

	assert.Equal(t, uint64(4), snap.Epoch)
	assert.True(t, savedAt.Equal(snap.SavedAt))

	got := snap.State
	assert.Equal(t, st.Messages.IDs(), got.Messages.IDs())
	assert.Equal(t, "general", got.Messages.Get(2).StreamName)
	assert.Equal(t, st.Messages.Get(2).Reactions, got.Messages.Get(2).Reactions)
	assert.Equal(t, st.Messages.Get(3).Recipients, got.Messages.Get(3).Recipients)
	assert.Equal(t, st.Narrows.Keys(), got.Narrows.Keys())
	for _, key := range st.Narrows.Keys() {
		assert.Equal(t, st.Narrows.IDs(key), got.Narrows.IDs(key), key)
	}
	assert.Equal(t, st.CaughtUp, got.CaughtUp)
	assert.Equal(t, []PmConversationKey{"3", "4"}, got.PmConversationKeys())
}

func TestSnapshotStore_RestoredStateKeepsReducing(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(t)
	require.NoError(t, store.Save(ctx, &Snapshot{Account: "a", State: populatedState()}))
	snap, err := store.Load(ctx, "a")
	require.NoError(t, err)

	e := NewEngine(WithInitialState(snap.State, testOwn))
	e.Dispatch(NewMessage{Message: streamMsg(9, testStream, "lunch"), Own: testOwn})
	assert.Equal(t, []int64{2, 3, 9}, e.State().Narrows.IDs(HomeNarrow().Key()))
}

func TestSnapshotStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(t)
	require.NoError(t, store.Save(ctx, &Snapshot{Account: "a", Epoch: 1, State: populatedState()}))
	require.NoError(t, store.Save(ctx, &Snapshot{Account: "a", Epoch: 2, State: NewState()}))

	snap, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Epoch)
	assert.Zero(t, snap.State.Messages.Len())
	assert.NotNil(t, snap.State.CaughtUp)
}

func TestSnapshotStore_Missing(t *testing.T) {
	ctx := context.Background()
	store := newTestSnapshotStore(t)
	_, err := store.Load(ctx, "nobody")
	require.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, store.Save(ctx, &Snapshot{Account: "a", State: NewState()}))
	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Load(ctx, "a")
	require.ErrorIs(t, err, ErrNoSnapshot)

	assert.Error(t, store.Save(ctx, &Snapshot{Account: "a"}))
}

func TestSnapshotStore_UseAfterClose(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteSnapshotStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	err = store.Save(ctx, &Snapshot{Account: "me@example.com", State: NewState()})
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.Load(ctx, "me@example.com")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Delete(ctx, "me@example.com"), ErrStoreClosed)
}

func TestSnapshotStore_File(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := NewSQLiteSnapshotStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &Snapshot{Account: "a", Epoch: 7, State: populatedState()}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteSnapshotStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	snap, err := reopened.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.Epoch)
	assert.Equal(t, 2, snap.State.Messages.Len())
}
