package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) (*Directory, *fakeBackend, *manualClock) {
	t.Helper()
	log, _ := nullLogger()
	b := newFakeBackend()
	clk := newManualClock()
	d := NewDirectory(b, "me", TimeoutConfig{}, WithClock(clk), WithLogger(log))
	return d, b, clk
}

func peerConv(id string, at time.Time, unread int) Conversation {
	return Conversation{ID: id, Kind: KindPrivate, Peer: &User{ID: id, Username: id}, LastActivityAt: at, UnreadCount: unread}
}

func teamConv(id, name string, at time.Time) Conversation {
	return Conversation{ID: id, Kind: KindGroup, Group: &Group{ID: id, Name: name}, LastActivityAt: at}
}

func keys(convs []Conversation) []ConversationKey {
	out := make([]ConversationKey, len(convs))
	for i := range convs {
		out[i] = convs[i].Key()
	}
	return out
}

// ============================================================================
// Refresh
// ============================================================================

func TestDirectoryRefreshMergesByRecency(t *testing.T) {
	d, b, clk := newTestDirectory(t)
	now := clk.Now()
	b.private = []Conversation{peerConv("bob", now.Add(-3*time.Hour), 0), peerConv("carol", now.Add(-2*time.Hour), 0)}
	b.groups = []Conversation{teamConv("g1", "Team", now.Add(-time.Hour))}

	convs, err := d.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ConversationKey{"group:g1", "private:carol", "private:bob"}, keys(convs))
	assert.Equal(t, convs, d.Conversations())
}

func TestDirectoryRefreshMissingTimestampSortsFirst(t *testing.T) {
	d, b, clk := newTestDirectory(t)
	b.private = []Conversation{peerConv("bob", clk.Now().Add(-time.Minute), 0), peerConv("new", time.Time{}, 0)}

	convs, err := d.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ConversationKey{"private:new", "private:bob"}, keys(convs))
}

func TestDirectoryRefreshClearsActiveUnread(t *testing.T) {
	d, b, clk := newTestDirectory(t)
	b.private = []Conversation{peerConv("bob", clk.Now(), 4), peerConv("carol", clk.Now(), 2)}
	d.SetActive(bobKey)

	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	bob, _ := d.Get(bobKey)
	carol, _ := d.Get(KeyFor(KindPrivate, "carol"))
	assert.Equal(t, 0, bob.UnreadCount)
	assert.Equal(t, 2, carol.UnreadCount)
}

func TestDirectoryRefreshPartialFailure(t *testing.T) {
	d, b, clk := newTestDirectory(t)
	now := clk.Now()
	b.private = []Conversation{peerConv("bob", now.Add(-2*time.Hour), 0), peerConv("carol", now.Add(-3*time.Hour), 0)}
	b.groups = []Conversation{teamConv("g1", "Team", now.Add(-time.Hour))}
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	b.private = []Conversation{peerConv("bob", now, 0)}
	b.groups = nil
	b.groupErr = errors.New("group service down")

	convs, err := d.Refresh(context.Background())
	assert.ErrorContains(t, err, "group service down")
	assert.Equal(t, []ConversationKey{"private:bob", "group:g1"}, keys(convs),
		"groups kept from the last listing, carol dropped by the fresh private one")
}

func TestDirectoryRefreshBothListingsFail(t *testing.T) {
	d, b, clk := newTestDirectory(t)
	b.private = []Conversation{peerConv("bob", clk.Now().Add(-time.Hour), 0)}
	b.groups = []Conversation{teamConv("g1", "Team", clk.Now())}
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	b.privateErr = errors.New("private service down")
	b.groupErr = errors.New("group service down")

	convs, err := d.Refresh(context.Background())
	assert.ErrorContains(t, err, "list private conversations: private service down")
	assert.ErrorContains(t, err, "list group conversations: group service down")
	assert.Equal(t, []ConversationKey{"group:g1", "private:bob"}, keys(convs))
}

func TestDirectoryRefreshKeepsLocalConversations(t *testing.T) {
	d, b, clk := newTestDirectory(t)
	b.private = []Conversation{peerConv("bob", clk.Now().Add(-time.Hour), 0)}
	d.Start(SearchResult{Kind: KindPrivate, User: &User{ID: "zed", Username: "zed"}})

	convs, err := d.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ConversationKey{"private:zed", "private:bob"}, keys(convs))

	// Once listed by the backend, the listed copy wins.
	b.private = append(b.private, peerConv("zed", clk.Now().Add(-2*time.Hour), 0))
	convs, err = d.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	zed, _ := d.Get(KeyFor(KindPrivate, "zed"))
	assert.False(t, zed.Local)
}

func TestDirectoryOnChange(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	n := 0
	d.OnChange(func() { n++ })

	_, _ = d.Refresh(context.Background())
	d.Touch(confirmedMsg(1, bobKey, "bob", "hi"))
	assert.Equal(t, 2, n)
}

// ============================================================================
// Search and Resolve
// ============================================================================

func TestDirectorySearch(t *testing.T) {
	d, b, _ := newTestDirectory(t)

	res, err := d.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, 0, b.searchCalls)

	b.searchErr = errors.New("503")
	res, err = d.Search(context.Background(), "bo")
	assert.Error(t, err)
	assert.NotNil(t, res)
	assert.Empty(t, res)
}

func TestDirectoryResolve(t *testing.T) {
	listed := func(t *testing.T) (*Directory, *fakeBackend) {
		d, b, clk := newTestDirectory(t)
		b.private = []Conversation{peerConv("u-1", clk.Now(), 0)}
		b.private[0].Peer.Username = "Alice"
		b.groups = []Conversation{teamConv("g1", "Team", clk.Now())}
		_, err := d.Refresh(context.Background())
		require.NoError(t, err)
		return d, b
	}

	t.Run("listed conversation by id", func(t *testing.T) {
		d, b := listed(t)
		c, err := d.Resolve(context.Background(), KindGroup, "g1")
		require.NoError(t, err)
		assert.Equal(t, "Team", c.Title())
		assert.Equal(t, 0, b.searchCalls)
	})

	t.Run("listed conversation by username", func(t *testing.T) {
		d, b := listed(t)
		c, err := d.Resolve(context.Background(), KindPrivate, "alice")
		require.NoError(t, err)
		assert.Equal(t, "u-1", c.CounterpartID())
		assert.False(t, c.Local)
		assert.Equal(t, 0, b.searchCalls)
	})

	t.Run("remembered search candidate", func(t *testing.T) {
		d, b := listed(t)
		b.searchResults = []SearchResult{{Kind: KindPrivate, User: &User{ID: "u-2", Username: "bob"}}}
		_, err := d.Search(context.Background(), "bo")
		require.NoError(t, err)

		c, err := d.Resolve(context.Background(), KindPrivate, "bob")
		require.NoError(t, err)
		assert.Equal(t, "u-2", c.CounterpartID())
		assert.True(t, c.Local)
		assert.False(t, c.Placeholder)
		assert.Equal(t, 1, b.searchCalls, "resolved without another search")

		_, ok := d.Get(KeyFor(KindPrivate, "u-2"))
		assert.True(t, ok)
	})

	t.Run("search on miss", func(t *testing.T) {
		d, b := listed(t)
		b.searchResults = []SearchResult{{Kind: KindGroup, Group: &Group{ID: "g2", Name: "Ops"}}}

		c, err := d.Resolve(context.Background(), KindGroup, "g2")
		require.NoError(t, err)
		assert.Equal(t, "Ops", c.Title())
		assert.Equal(t, 1, b.searchCalls)
	})

	t.Run("placeholder when nothing matches", func(t *testing.T) {
		d, b := listed(t)
		b.searchErr = errors.New("timeout")

		c, err := d.Resolve(context.Background(), KindPrivate, "u-9")
		require.NoError(t, err)
		assert.True(t, c.Placeholder)
		assert.True(t, c.Local)
		assert.Equal(t, KeyFor(KindPrivate, "u-9"), c.Key())
		assert.Equal(t, "u-9", c.Title())

		again, err := d.Resolve(context.Background(), KindPrivate, "u-9")
		require.NoError(t, err)
		assert.Equal(t, c, again)
		assert.Equal(t, 1, b.searchCalls, "the placeholder is listed now")
	})

	t.Run("invalid input", func(t *testing.T) {
		d, _ := listed(t)
		_, err := d.Resolve(context.Background(), "channel", "x")
		assert.ErrorIs(t, err, ErrUnknownKind)
		_, err = d.Resolve(context.Background(), KindPrivate, " ")
		assert.ErrorIs(t, err, ErrNoConversation)
	})
}

// ============================================================================
// Activity
// ============================================================================

func TestDirectoryTouch(t *testing.T) {
	d, b, clk := newTestDirectory(t)
	now := clk.Now()
	g1 := KeyFor(KindGroup, "g1")
	b.private = []Conversation{peerConv("bob", now.Add(-time.Hour), 0)}
	b.groups = []Conversation{teamConv("g1", "Team", now.Add(-30*time.Minute))}
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)
	d.SetActive(g1)

	msg := confirmedMsg(5, bobKey, "bob", "ping")
	msg.CreatedAt = now
	d.Touch(msg)
	d.Touch(confirmedMsg(6, g1, "ann", "in view"))
	d.Touch(confirmedMsg(7, bobKey, "me", "pong"))

	bob, _ := d.Get(bobKey)
	assert.Equal(t, 1, bob.UnreadCount, "own message and active conversation are not counted")
	assert.Equal(t, "pong", bob.LastMessagePreview)
	team, _ := d.Get(g1)
	assert.Equal(t, 0, team.UnreadCount)

	d.SetActive(bobKey)
	bob, _ = d.Get(bobKey)
	assert.Equal(t, 0, bob.UnreadCount)
	assert.Equal(t, bobKey, d.Active())
}

func TestDirectoryTouchUnknownConversation(t *testing.T) {
	d, _, _ := newTestDirectory(t)

	d.Touch(Message{ConversationKey: KeyFor(KindPrivate, "dan"), Sender: User{ID: "dan", Username: "Dan"}, Attachments: []Attachment{{Name: "cat.png"}}})

	c, ok := d.Get(KeyFor(KindPrivate, "dan"))
	require.True(t, ok)
	assert.True(t, c.Local)
	assert.Equal(t, "Dan", c.Title())
	assert.Equal(t, "[cat.png]", c.LastMessagePreview)
	assert.Equal(t, 1, c.UnreadCount)
}

// ============================================================================
// Message requests
// ============================================================================

func TestDirectoryPendingRequests(t *testing.T) {
	d, b, clk := newTestDirectory(t)
	b.pendingRequests = []MessageRequest{
		{ID: "r1", From: User{ID: "dave"}, To: User{ID: "me"}, CreatedAt: clk.Now().Add(-time.Hour)},
		{ID: "r2", From: User{ID: "me"}, To: User{ID: "erin"}, CreatedAt: clk.Now()},
	}

	reqs, err := d.LoadPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
	assert.True(t, d.IsPending("dave"))
	assert.True(t, d.IsPending("erin"))
	assert.False(t, d.IsPending("me"))

	listed := d.Requests()
	require.Len(t, listed, 2)
	assert.Equal(t, "r2", listed[0].ID, "newest first")

	require.NoError(t, d.Respond(context.Background(), "r1", true))
	assert.True(t, b.responded["r1"])
	assert.False(t, d.IsPending("dave"))
	assert.Len(t, d.Requests(), 1)

	d.MarkPending("frank")
	assert.True(t, d.IsPending("frank"))
}
