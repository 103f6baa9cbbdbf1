package notifs

import (
	"context"
	"testing"
	"time"

	"github.com/bluesky-social/bailiff/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(testutil.TestDB(t), nil)
	require.NoError(t, err)
	return st
}

func replyInfo(user, author, uri string) Info {
	return Info{
		UserDid:   user,
		Author:    author,
		RecordUri: uri,
		RecordCid: testutil.RandomCID(),
		Reason:    ReasonReply,
	}
}

func TestStoreCreateIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	msg := NewCreateNotification(replyInfo("did:plc:alice", "did:plc:bob", "at://did:plc:bob/app.bsky.feed.post/3k2b"))
	assert.NoError(st.Emit(ctx, msg))
	assert.NoError(st.Emit(ctx, msg))

	list, cursor, err := st.ListNotifications(ctx, "did:plc:alice", "", 10)
	assert.NoError(err)
	assert.Empty(cursor)
	assert.Len(list, 1)
	assert.Equal(msg.Info, list[0].Info)
	assert.False(list[0].IsRead)
}

func TestStoreDelete(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	uri := "at://did:plc:bob/app.bsky.feed.post/3k2b"
	other := "at://did:plc:bob/app.bsky.feed.post/3k2c"
	assert.NoError(st.Emit(ctx, NewCreateNotification(replyInfo("did:plc:alice", "did:plc:bob", uri))))
	mention := replyInfo("did:plc:carol", "did:plc:bob", uri)
	mention.Reason = ReasonMention
	assert.NoError(st.Emit(ctx, NewCreateNotification(mention)))
	assert.NoError(st.Emit(ctx, NewCreateNotification(replyInfo("did:plc:alice", "did:plc:bob", other))))

	del := NewDeleteNotifications(uri)
	assert.NoError(st.Emit(ctx, del))
	// applying twice is the same as once
	assert.NoError(st.Emit(ctx, del))

	list, _, err := st.ListNotifications(ctx, "did:plc:alice", "", 10)
	assert.NoError(err)
	assert.Len(list, 1)
	assert.Equal(other, list[0].Info.RecordUri)

	list, _, err = st.ListNotifications(ctx, "did:plc:carol", "", 10)
	assert.NoError(err)
	assert.Empty(list)
}

func TestStoreDeleteBeforeCreate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	uri := "at://did:plc:bob/app.bsky.feed.post/3k2b"
	assert.NoError(st.Emit(ctx, NewDeleteNotifications(uri)))
	assert.NoError(st.Emit(ctx, NewCreateNotification(replyInfo("did:plc:alice", "did:plc:bob", uri))))

	list, _, err := st.ListNotifications(ctx, "did:plc:alice", "", 10)
	assert.NoError(err)
	assert.Empty(list)
}

func TestStorePagination(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	for i := 0; i < 5; i++ {
		uri := "at://did:plc:bob/app.bsky.feed.post/" + testutil.RandomRkey()
		assert.NoError(st.Emit(ctx, NewCreateNotification(replyInfo("did:plc:alice", "did:plc:bob", uri))))
	}

	var seen []uint64
	cursor := ""
	for {
		page, next, err := st.ListNotifications(ctx, "did:plc:alice", cursor, 2)
		require.NoError(t, err)
		for _, n := range page {
			seen = append(seen, n.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(seen[i-1], seen[i])
	}

	_, _, err := st.ListNotifications(ctx, "did:plc:alice", "nope", 2)
	assert.Error(err)
}

func TestStoreSeen(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := testStore(t)

	assert.NoError(st.Emit(ctx, NewCreateNotification(replyInfo("did:plc:alice", "did:plc:bob", "at://did:plc:bob/app.bsky.feed.post/3k2b"))))

	c, err := st.CountUnread(ctx, "did:plc:alice")
	assert.NoError(err)
	assert.Equal(int64(1), c)

	assert.NoError(st.UpdateSeen(ctx, "did:plc:alice", time.Now().Add(time.Minute)))
	c, err = st.CountUnread(ctx, "did:plc:alice")
	assert.NoError(err)
	assert.Equal(int64(0), c)

	list, _, err := st.ListNotifications(ctx, "did:plc:alice", "", 10)
	assert.NoError(err)
	assert.Len(list, 1)
	assert.True(list[0].IsRead)
}
