package bot

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

func TestSession_CollectsFieldsInOrder(t *testing.T) {
	s := NewSession()
	assert.Contains(t, s.Prompt(), "item type")

	require.NoError(t, s.Advance("account"))
	assert.Contains(t, s.Prompt(), "name")
	require.NoError(t, s.Advance("  Game account  "))
	assert.Contains(t, s.Prompt(), "description")
	require.NoError(t, s.Advance("Level 80, all skins"))
	assert.Contains(t, s.Prompt(), "price")
	assert.False(t, s.Done())
	require.NoError(t, s.Advance("99,90"))

	require.True(t, s.Done())
	d := s.Draft()
	assert.Equal(t, "account", d.ItemType)
	assert.Equal(t, "Game account", d.ItemName)
	assert.Equal(t, "Level 80, all skins", d.ItemDescription)
	assert.True(t, decimal.RequireFromString("99.9").Equal(d.Price))

	assert.Error(t, s.Advance("more"), "complete session accepts nothing")
}

func TestSession_RejectsBadInputWithoutAdvancing(t *testing.T) {
	s := NewSession()
	assert.Error(t, s.Advance("   "))
	assert.Error(t, s.Advance(strings.Repeat("x", maxFieldLen+1)))
	assert.Contains(t, s.Prompt(), "item type")

	require.NoError(t, s.Advance("t"))
	require.NoError(t, s.Advance("n"))
	require.NoError(t, s.Advance("d"))

	for _, bad := range []string{"free", "0", "-10"} {
		err := s.Advance(bad)
		assert.ErrorIs(t, err, models.ErrInvalidAmount, bad)
		assert.False(t, s.Done())
	}
	require.NoError(t, s.Advance("10"))
	assert.True(t, s.Done())
}

func TestSessions_Feed(t *testing.T) {
	ss := newSessions()

	_, active, err := ss.feed(1, "hello")
	require.NoError(t, err)
	assert.False(t, active, "no session yet")

	ss.start(1)
	for _, in := range []string{"gift", "Sticker", "Rare"} {
		res, active, err := ss.feed(1, in)
		require.NoError(t, err)
		require.True(t, active)
		assert.False(t, res.Done)
		assert.NotEmpty(t, res.Prompt)
	}

	res, active, err := ss.feed(1, "oops")
	assert.Error(t, err)
	assert.True(t, active)
	assert.Contains(t, res.Prompt, "price")

	res, active, err = ss.feed(1, "5")
	require.NoError(t, err)
	require.True(t, active)
	require.True(t, res.Done)
	assert.Equal(t, "Sticker", res.Draft.ItemName)

	_, active, _ = ss.feed(1, "after")
	assert.False(t, active, "finished session is removed")
}

func TestSessions_Drop(t *testing.T) {
	ss := newSessions()
	assert.False(t, ss.drop(1))

	ss.start(1)
	ss.start(2)
	assert.True(t, ss.drop(1))

	_, active, _ := ss.feed(1, "x")
	assert.False(t, active)
	_, active, _ = ss.feed(2, "x")
	assert.True(t, active, "other users keep their session")
}
