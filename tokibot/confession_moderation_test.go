package tokibot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"testing"
	"time"
)

type fakeResolver struct {
	tags    map[string]string
	lookups int
}

func (f *fakeResolver) UserTag(_ context.Context, userID string) (string, error) {
	f.lookups++
	tag, ok := f.tags[userID]
	if !ok {
		return "", errors.New("unknown user")
	}
	return tag, nil
}

func TestConfessionBoard_BanUnban(t *testing.T) {
	t.Parallel()
	board := newTestBoard(t)

	banned, err := board.IsBanned("1002")
	require.NoError(t, err)
	assert.False(t, banned)

	entry, replaced, err := board.BanUser("1002", nil, "9")
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Nil(t, entry.Until)

	_, replaced, err = board.BanUser("1002", durationPtr(time.Hour), "9")
	require.NoError(t, err)
	assert.True(t, replaced)
	require.Len(t, board.Bans(), 1)
	require.NotNil(t, board.Bans()[0].Until)

	banned, err = board.IsBanned("1002")
	require.NoError(t, err)
	assert.True(t, banned)

	removed, err := board.UnbanUser("1002", "9")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = board.UnbanUser("1002", "9")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = board.Submit("1002", "bob", "I am allowed to post again.", "500")
	require.NoError(t, err)

	_, _, err = board.BanUser("1002", durationPtr(-time.Minute), "9")
	assert.ErrorIs(t, err, ErrValidation)
	_, _, err = board.BanUser("", nil, "9")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConfessionBoard_BanExpires(t *testing.T) {
	t.Parallel()
	board := newTestBoard(t)

	_, _, err := board.BanUser("1002", durationPtr(10*time.Minute), "9")
	require.NoError(t, err)
	_, _, err = board.BanUser("1003", nil, "9")
	require.NoError(t, err)

	_, err = board.Submit("1002", "bob", "This is a test confession.", "500")
	require.ErrorIs(t, err, ErrBanned)

	board.clock.Advance(10 * time.Minute)
	assert.Len(t, board.Bans(), 1, "expired bans aren't listed")

	_, err = board.Submit("1002", "bob", "This is a test confession.", "500")
	require.NoError(t, err)

	doc := Load(board.store, board.paths.Bans, newConfessionBansDocument)
	require.Len(t, doc.Banned, 1, "expired ban pruned from the document")
	assert.Equal(t, Snowflake("1003"), doc.Banned[0].UserID)

	var expiredUnbans int
	for _, e := range board.journal.Entries() {
		if e.Type == ActionUnban && e.Reason == "expired" {
			expiredUnbans++
		}
	}
	assert.Equal(t, 1, expiredUnbans)
}

func TestConfessionBoard_LegacyBanList(t *testing.T) {
	t.Parallel()
	board := newTestBoard(t)
	require.NoError(
		t,
		os.WriteFile(board.paths.Bans, []byte(`{"banned": [1002, "1003"]}`), 0o644),
	)

	banned, err := board.IsBanned("1002")
	require.NoError(t, err)
	assert.True(t, banned)

	removed, err := board.UnbanUser("1003", "9")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Len(t, board.Bans(), 1)
}

func TestConfessionBoard_ListBans(t *testing.T) {
	t.Parallel()
	board := newTestBoard(t)
	resolver := &fakeResolver{tags: map[string]string{"1002": "bob"}}

	_, _, err := board.BanUser("1002", nil, "9")
	require.NoError(t, err)
	_, _, err = board.BanUser("1003", durationPtr(time.Hour), "9")
	require.NoError(t, err)

	ctx := context.Background()
	listings := board.ListBans(ctx, resolver)
	require.Len(t, listings, 2)
	assert.Equal(t, "bob", listings[0].Tag)
	assert.Empty(t, listings[1].Tag, "unresolved users are still listed")
	assert.Equal(t, 2, resolver.lookups)

	listings = board.ListBans(ctx, resolver)
	require.Len(t, listings, 2)
	assert.Equal(t, "bob", listings[0].Tag)
	assert.Equal(t, 3, resolver.lookups, "resolved tags are cached")

	assert.Len(t, board.ListBans(ctx, nil), 2)
}

func TestConfessionBoard_ListBansPrunes(t *testing.T) {
	t.Parallel()
	board := newTestBoard(t)

	_, _, err := board.BanUser("1002", durationPtr(10*time.Minute), "9")
	require.NoError(t, err)
	_, _, err = board.BanUser("1003", nil, "9")
	require.NoError(t, err)

	board.clock.Advance(10 * time.Minute)
	listings := board.ListBans(context.Background(), nil)
	require.Len(t, listings, 1)
	assert.Equal(t, Snowflake("1003"), listings[0].UserID)

	doc := Load(board.store, board.paths.Bans, newConfessionBansDocument)
	require.Len(t, doc.Banned, 1, "expired ban pruned from the document")
	assert.Equal(t, Snowflake("1003"), doc.Banned[0].UserID)

	var expired []ActionLogEntry
	for _, e := range board.journal.Entries() {
		if e.Type == ActionUnban && e.Reason == "expired" {
			expired = append(expired, e)
		}
	}
	require.Len(t, expired, 1)
	assert.Equal(t, Snowflake("1002"), expired[0].SubjectID)

	journaled := len(board.journal.Entries())
	board.ListBans(context.Background(), nil)
	assert.Len(t, board.journal.Entries(), journaled, "expiry journaled once")
}
