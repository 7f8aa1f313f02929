// Package escrow runs the deal lifecycle as atomic business transactions over
// the account ledger and the deal registry.
//
// Each mutating operation executes inside one db.Database.Atomically call, so
// a reservation and the status change it pays for commit or roll back
// together. Domain events are returned only after the commit succeeded.
package escrow

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/deals"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/ledger"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Store serializes access to the persistent document.
type Store interface {
	Atomically(ctx context.Context, fn func(q db.Querier) error) error
	Read(ctx context.Context, fn func(q db.Querier) error) error
}

// DealDraft carries the fields collected from a seller before a deal exists.
type DealDraft struct {
	ItemType        string
	ItemName        string
	ItemDescription string
	Price           decimal.Decimal
}

// Holdings is the money in the system: what users own plus what deals hold.
type Holdings struct {
	Balances decimal.Decimal
	Escrow   decimal.Decimal
}

// Total returns balances plus escrow.
func (h Holdings) Total() decimal.Decimal {
	return h.Balances.Add(h.Escrow)
}

// Coordinator is the operation surface consumed by the bot layer.
type Coordinator struct {
	store   Store
	ids     deals.IDGenerator
	ownerID int64
	log     *zap.Logger
}

// New returns a coordinator. ownerID is the only identity allowed to adjust
// balances; zero disables AdminAdjust.
func New(store Store, ids deals.IDGenerator, ownerID int64, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{store: store, ids: ids, ownerID: ownerID, log: log.Named("escrow")}
}

// OwnerID returns the administrative identity.
func (c *Coordinator) OwnerID() int64 {
	return c.ownerID
}

// EnsureAccount creates the account of userID if absent and records its display name.
func (c *Coordinator) EnsureAccount(ctx context.Context, userID int64, displayName string) error {
	return c.store.Atomically(ctx, func(q db.Querier) error {
		return ledger.New(q).EnsureAccount(ctx, userID, displayName)
	})
}

// Balance returns the committed balance of userID.
func (c *Coordinator) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := c.store.Read(ctx, func(q db.Querier) error {
		var err error
		bal, err = ledger.New(q).Balance(ctx, userID)
		return err
	})
	return bal, err
}

// CreateDeal opens a deal offered by sellerID.
func (c *Coordinator) CreateDeal(ctx context.Context, sellerID int64, draft DealDraft) (models.Deal, error) {
	var deal models.Deal
	err := c.store.Atomically(ctx, func(q db.Querier) error {
		if err := ledger.New(q).EnsureAccount(ctx, sellerID, ""); err != nil {
			return err
		}
		var err error
		deal, err = deals.NewRegistry(q, c.ids).Create(ctx, sellerID, draft.ItemType, draft.ItemName, draft.ItemDescription, draft.Price)
		return err
	})
	if err != nil {
		c.reject("create deal", err, zap.Int64("seller_id", sellerID))
		return models.Deal{}, err
	}

	c.log.Info("deal created",
		zap.String("deal_id", deal.ID),
		zap.Int64("seller_id", sellerID),
		zap.Stringer("price", deal.Price),
	)
	return deal, nil
}

// Deal returns a snapshot of the deal with the given id.
func (c *Coordinator) Deal(ctx context.Context, dealID string) (models.Deal, error) {
	var deal models.Deal
	err := c.store.Read(ctx, func(q db.Querier) error {
		var err error
		deal, err = deals.NewRegistry(q, c.ids).Find(ctx, dealID)
		return err
	})
	return deal, err
}

// ActiveDeal returns the most recent deal of userID in status.
func (c *Coordinator) ActiveDeal(ctx context.Context, userID int64, status models.DealStatus) (models.Deal, error) {
	var deal models.Deal
	err := c.store.Read(ctx, func(q db.Querier) error {
		var err error
		deal, err = deals.NewRegistry(q, c.ids).FindActiveByParticipant(ctx, userID, status)
		return err
	})
	return deal, err
}

// MyDeals lists deals where userID is seller or buyer.
func (c *Coordinator) MyDeals(ctx context.Context, userID int64, limit int) ([]models.Deal, error) {
	var out []models.Deal
	err := c.store.Read(ctx, func(q db.Querier) error {
		var err error
		out, err = deals.NewRegistry(q, c.ids).ListByParticipant(ctx, userID, limit)
		return err
	})
	return out, err
}

// OpenDeals lists deals waiting for a buyer.
func (c *Coordinator) OpenDeals(ctx context.Context, limit int) ([]models.Deal, error) {
	var out []models.Deal
	err := c.store.Read(ctx, func(q db.Querier) error {
		var err error
		out, err = deals.NewRegistry(q, c.ids).ListOpen(ctx, limit)
		return err
	})
	return out, err
}

// Holdings reports total balances and total escrow from one snapshot.
func (c *Coordinator) Holdings(ctx context.Context) (Holdings, error) {
	var h Holdings
	err := c.store.Atomically(ctx, func(q db.Querier) error {
		var err error
		if h.Balances, err = ledger.New(q).Total(ctx); err != nil {
			return err
		}
		h.Escrow, err = deals.NewRegistry(q, c.ids).EscrowTotal(ctx)
		return err
	})
	return h, err
}

// JoinDeal reserves the price from buyerID and attaches them to an open deal.
// On any failure neither the balance nor the deal changes.
func (c *Coordinator) JoinDeal(ctx context.Context, buyerID int64, dealID string) (models.Deal, []models.Event, error) {
	var deal models.Deal
	err := c.store.Atomically(ctx, func(q db.Querier) error {
		accounts, registry := ledger.New(q), deals.NewRegistry(q, c.ids)

		d, err := registry.Find(ctx, dealID)
		if err != nil {
			return err
		}
		if d.Status != models.StatusOpen {
			return errors.Wrapf(models.ErrInvalidTransition, "deal %s not open", dealID)
		}
		if d.SellerID == buyerID {
			return errors.Wrapf(models.ErrUnauthorized, "seller cannot join own deal %s", dealID)
		}

		if err := accounts.Reserve(ctx, buyerID, d.Price); err != nil {
			return err
		}
		// A failure here rolls the reservation back with the transaction.
		deal, err = registry.MarkJoined(ctx, dealID, buyerID)
		return err
	})
	if err != nil {
		c.reject("join deal", err, zap.String("deal_id", dealID), zap.Int64("buyer_id", buyerID))
		return models.Deal{}, nil, err
	}

	c.log.Info("deal joined",
		zap.String("deal_id", deal.ID),
		zap.Int64("buyer_id", buyerID),
		zap.Stringer("escrow", deal.EscrowAmount),
	)
	return deal, []models.Event{
		models.NewEvent(models.EventDealJoined, deal.ID, deal.EscrowAmount, deal.SellerID),
	}, nil
}

// MarkTransferred records that the seller delivered the item.
func (c *Coordinator) MarkTransferred(ctx context.Context, sellerID int64, dealID string) (models.Deal, []models.Event, error) {
	var deal models.Deal
	err := c.store.Atomically(ctx, func(q db.Querier) error {
		var err error
		deal, err = deals.NewRegistry(q, c.ids).MarkTransferred(ctx, dealID, sellerID)
		return err
	})
	if err != nil {
		c.reject("mark transferred", err, zap.String("deal_id", dealID), zap.Int64("seller_id", sellerID))
		return models.Deal{}, nil, err
	}

	c.log.Info("deal transferred", zap.String("deal_id", deal.ID), zap.Int64("seller_id", sellerID))
	return deal, []models.Event{
		models.NewEvent(models.EventDealTransferred, deal.ID, deal.EscrowAmount, *deal.BuyerID),
	}, nil
}

// ConfirmReceived completes a transferred deal and releases its escrow to the seller.
func (c *Coordinator) ConfirmReceived(ctx context.Context, buyerID int64, dealID string) (models.Deal, []models.Event, error) {
	var (
		deal     models.Deal
		released decimal.Decimal
	)
	err := c.store.Atomically(ctx, func(q db.Querier) error {
		var err error
		deal, released, err = deals.NewRegistry(q, c.ids).MarkCompleted(ctx, dealID, buyerID)
		if err != nil {
			return err
		}
		return ledger.New(q).Credit(ctx, deal.SellerID, released)
	})
	if err != nil {
		c.reject("confirm received", err, zap.String("deal_id", dealID), zap.Int64("buyer_id", buyerID))
		return models.Deal{}, nil, err
	}

	c.log.Info("deal completed",
		zap.String("deal_id", deal.ID),
		zap.Int64("seller_id", deal.SellerID),
		zap.Int64("buyer_id", buyerID),
		zap.Stringer("released", released),
	)
	return deal, []models.Event{
		models.NewEvent(models.EventDealCompleted, deal.ID, released, deal.Participants()...),
	}, nil
}

// AdminAdjust adds delta to the balance of targetID on behalf of the owner
// and returns the new balance. The result may be negative.
func (c *Coordinator) AdminAdjust(ctx context.Context, ownerID, targetID int64, delta decimal.Decimal) (decimal.Decimal, []models.Event, error) {
	if c.ownerID == 0 || ownerID != c.ownerID {
		err := errors.Wrapf(models.ErrUnauthorized, "user %d is not the owner", ownerID)
		c.reject("admin adjust", err, zap.Int64("user_id", ownerID))
		return decimal.Zero, nil, err
	}

	var bal decimal.Decimal
	err := c.store.Atomically(ctx, func(q db.Querier) error {
		var err error
		bal, err = ledger.New(q).Adjust(ctx, targetID, delta)
		return err
	})
	if err != nil {
		c.reject("admin adjust", err, zap.Int64("user_id", targetID))
		return decimal.Zero, nil, err
	}

	c.log.Info("balance adjusted",
		zap.Int64("user_id", targetID),
		zap.Stringer("delta", delta),
		zap.Stringer("balance", bal),
	)
	if bal.IsNegative() {
		c.log.Warn("balance driven negative by owner", zap.Int64("user_id", targetID), zap.Stringer("balance", bal))
	}
	return bal, []models.Event{
		models.NewEvent(models.EventBalanceAdjusted, "", delta, targetID),
	}, nil
}

// reject logs a failed operation: store failures at error, refused requests at debug.
func (c *Coordinator) reject(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	switch {
	case errors.Is(err, models.ErrPersistence):
		c.log.Error(op+" failed", fields...)
	case errors.Is(err, models.ErrBusy):
		c.log.Warn(op+" busy", fields...)
	default:
		c.log.Debug(op+" rejected", fields...)
	}
}
