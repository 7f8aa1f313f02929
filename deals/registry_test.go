package deals

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/ledger"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

const (
	seller int64 = 100
	buyer  int64 = 200
	other  int64 = 300
)

// fixedIDs replays ids, repeating the last one when exhausted.
type fixedIDs struct {
	ids []string
	pos int
}

func (f *fixedIDs) Next() string {
	id := f.ids[f.pos]
	if f.pos < len(f.ids)-1 {
		f.pos++
	}
	return id
}

type harness struct {
	t   *testing.T
	d   *db.Database
	ids IDGenerator
}

func newHarness(t *testing.T, ids IDGenerator) *harness {
	t.Helper()
	d, err := db.NewDatabase(filepath.Join(t.TempDir(), "deals.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	h := &harness{t: t, d: d, ids: ids}
	require.NoError(t, h.run(func(_ *Registry, l *ledger.Ledger) error {
		for _, id := range []int64{seller, buyer, other} {
			if err := l.EnsureAccount(context.Background(), id, ""); err != nil {
				return err
			}
		}
		return nil
	}))
	return h
}

func (h *harness) run(fn func(r *Registry, l *ledger.Ledger) error) error {
	return h.d.Atomically(context.Background(), func(q db.Querier) error {
		return fn(NewRegistry(q, h.ids), ledger.New(q))
	})
}

func (h *harness) create(price string) models.Deal {
	h.t.Helper()
	var d models.Deal
	require.NoError(h.t, h.run(func(r *Registry, _ *ledger.Ledger) error {
		var err error
		d, err = r.Create(context.Background(), seller, "account", "Game account", "Level 80", decimal.RequireFromString(price))
		return err
	}))
	return d
}

func (h *harness) find(id string) models.Deal {
	h.t.Helper()
	var d models.Deal
	require.NoError(h.t, h.run(func(r *Registry, _ *ledger.Ledger) error {
		var err error
		d, err = r.Find(context.Background(), id)
		return err
	}))
	return d
}

func (h *harness) join(id string, who int64) error {
	return h.run(func(r *Registry, _ *ledger.Ledger) error {
		_, err := r.MarkJoined(context.Background(), id, who)
		return err
	})
}

func (h *harness) transfer(id string, who int64) error {
	return h.run(func(r *Registry, _ *ledger.Ledger) error {
		_, err := r.MarkTransferred(context.Background(), id, who)
		return err
	})
}

func (h *harness) complete(id string, who int64) (decimal.Decimal, error) {
	var held decimal.Decimal
	err := h.run(func(r *Registry, _ *ledger.Ledger) error {
		var err error
		_, held, err = r.MarkCompleted(context.Background(), id, who)
		return err
	})
	return held, err
}

func TestCreate(t *testing.T) {
	h := newHarness(t, NewRandomIDs(3, 4))

	d := h.create("100.0")
	assert.True(t, ValidID(d.ID), d.ID)

	got := h.find(d.ID)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.True(t, got.EscrowAmount.IsZero())
	assert.True(t, decimal.RequireFromString("100").Equal(got.Price))
	assert.Equal(t, seller, got.SellerID)
	assert.Nil(t, got.BuyerID)
	assert.Equal(t, "Game account", got.ItemName)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreate_RejectsNonPositivePrice(t *testing.T) {
	h := newHarness(t, NewRandomIDs(3, 4))

	for _, price := range []string{"0", "-3"} {
		err := h.run(func(r *Registry, _ *ledger.Ledger) error {
			_, err := r.Create(context.Background(), seller, "t", "n", "d", decimal.RequireFromString(price))
			return err
		})
		assert.ErrorIs(t, err, models.ErrInvalidAmount, price)
	}
}

func TestCreate_RetriesOnCollision(t *testing.T) {
	h := newHarness(t, &fixedIDs{ids: []string{"#A1", "#A1", "#A1", "#B22"}})

	first := h.create("1")
	second := h.create("2")

	assert.Equal(t, "#A1", first.ID)
	assert.Equal(t, "#B22", second.ID)
	assert.True(t, decimal.NewFromInt(2).Equal(h.find("#B22").Price))
}

func TestCreate_IdentifierSpaceExhausted(t *testing.T) {
	h := newHarness(t, &fixedIDs{ids: []string{"#A1"}})
	h.create("1")

	err := h.run(func(r *Registry, _ *ledger.Ledger) error {
		_, err := r.Create(context.Background(), seller, "t", "n", "d", decimal.NewFromInt(1))
		return err
	})
	require.ErrorIs(t, err, models.ErrPersistence)
	assert.NotErrorIs(t, err, models.ErrDuplicateIdentifier)
}

func TestFind_NotFound(t *testing.T) {
	h := newHarness(t, NewRandomIDs(3, 4))

	err := h.run(func(r *Registry, _ *ledger.Ledger) error {
		_, err := r.Find(context.Background(), "#Q9")
		return err
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, NewRandomIDs(3, 4))
	d := h.create("20")

	require.NoError(t, h.join(d.ID, buyer))
	got := h.find(d.ID)
	assert.Equal(t, models.StatusInProcess, got.Status)
	assert.True(t, got.IsBuyer(buyer))
	assert.True(t, decimal.NewFromInt(20).Equal(got.EscrowAmount))

	require.NoError(t, h.transfer(d.ID, seller))
	got = h.find(d.ID)
	assert.Equal(t, models.StatusTransferred, got.Status)
	assert.True(t, decimal.NewFromInt(20).Equal(got.EscrowAmount))

	held, err := h.complete(d.ID, buyer)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(20).Equal(held))
	got = h.find(d.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, got.EscrowAmount.IsZero())
}

func TestMarkJoined_Guards(t *testing.T) {
	h := newHarness(t, NewRandomIDs(3, 4))
	d := h.create("20")

	assert.ErrorIs(t, h.join(d.ID, seller), models.ErrUnauthorized, "seller cannot buy own deal")
	assert.ErrorIs(t, h.join("#Z0", buyer), models.ErrNotFound)

	require.NoError(t, h.join(d.ID, buyer))
	assert.ErrorIs(t, h.join(d.ID, other), models.ErrInvalidTransition, "buyer is set once")
	assert.True(t, h.find(d.ID).IsBuyer(buyer))
}

func TestMarkTransferred_Guards(t *testing.T) {
	h := newHarness(t, NewRandomIDs(3, 4))
	d := h.create("20")

	assert.ErrorIs(t, h.transfer(d.ID, seller), models.ErrInvalidTransition, "open deal cannot skip to transferred")

	require.NoError(t, h.join(d.ID, buyer))
	assert.ErrorIs(t, h.transfer(d.ID, buyer), models.ErrUnauthorized)
	assert.ErrorIs(t, h.transfer(d.ID, other), models.ErrUnauthorized)
	assert.Equal(t, models.StatusInProcess, h.find(d.ID).Status)

	require.NoError(t, h.transfer(d.ID, seller))
	assert.ErrorIs(t, h.transfer(d.ID, seller), models.ErrInvalidTransition, "second call fails")
}

func TestMarkCompleted_Guards(t *testing.T) {
	h := newHarness(t, NewRandomIDs(3, 4))
	d := h.create("20")
	require.NoError(t, h.join(d.ID, buyer))

	_, err := h.complete(d.ID, buyer)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "in_process cannot skip to completed")

	require.NoError(t, h.transfer(d.ID, seller))
	_, err = h.complete(d.ID, seller)
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = h.complete(d.ID, buyer)
	require.NoError(t, err)
	_, err = h.complete(d.ID, buyer)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "second call fails")
}

func TestFindActiveByParticipant(t *testing.T) {
	h := newHarness(t, NewRandomIDs(3, 4))
	d := h.create("5")

	find := func(user int64, status models.DealStatus) (models.Deal, error) {
		var got models.Deal
		err := h.run(func(r *Registry, _ *ledger.Ledger) error {
			var err error
			got, err = r.FindActiveByParticipant(context.Background(), user, status)
			return err
		})
		return got, err
	}

	_, err := find(buyer, models.StatusInProcess)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, h.join(d.ID, buyer))
	for _, user := range []int64{seller, buyer} {
		got, err := find(user, models.StatusInProcess)
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)
	}
	_, err = find(other, models.StatusInProcess)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListings(t *testing.T) {
	h := newHarness(t, NewRandomIDs(3, 4))
	a := h.create("1")
	b := h.create("2")
	require.NoError(t, h.join(a.ID, buyer))

	var open, mine []models.Deal
	var escrow decimal.Decimal
	require.NoError(t, h.run(func(r *Registry, _ *ledger.Ledger) error {
		var err error
		if open, err = r.ListOpen(context.Background(), 10); err != nil {
			return err
		}
		if mine, err = r.ListByParticipant(context.Background(), buyer, 10); err != nil {
			return err
		}
		escrow, err = r.EscrowTotal(context.Background())
		return err
	}))

	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)
	assert.True(t, decimal.NewFromInt(1).Equal(escrow))
}
