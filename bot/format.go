package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

var statusLabels = map[models.DealStatus]string{
	models.StatusOpen:        "⏳ Open - waiting for a buyer",
	models.StatusInProcess:   "🔒 In process - funds held in escrow",
	models.StatusTransferred: "📦 Transferred - waiting for buyer confirmation",
	models.StatusCompleted:   "✅ Completed - funds released",
}

func formatDeal(d models.Deal) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Deal %s\n", d.ID)
	fmt.Fprintf(&sb, "🔹 Type: %s\n", d.ItemType)
	fmt.Fprintf(&sb, "🔹 Item: %s\n", d.ItemName)
	fmt.Fprintf(&sb, "🔹 Description: %s\n", d.ItemDescription)
	fmt.Fprintf(&sb, "🔹 Price: %s\n", d.Price)
	fmt.Fprintf(&sb, "🔹 Created: %s\n", d.CreatedAt.Format(time.RFC822))
	fmt.Fprintf(&sb, "🔹 Status: %s", statusLabels[d.Status])
	if d.Status.HoldsEscrow() {
		fmt.Fprintf(&sb, "\n🔹 Escrow: %s", d.EscrowAmount)
	}
	return sb.String()
}

func eventText(ev models.Event) string {
	switch ev.Kind {
	case models.EventDealJoined:
		return fmt.Sprintf("🤝 A buyer joined deal %s and %s is held in escrow. Transfer the item, then press \"transferred\" or send /sent %s.", ev.DealID, ev.Amount, ev.DealID)
	case models.EventDealTransferred:
		return fmt.Sprintf("📦 The seller transferred the item of deal %s. Check it, then send /received %s to release the funds.", ev.DealID, ev.DealID)
	case models.EventDealCompleted:
		return fmt.Sprintf("✅ Deal %s is completed. %s was released to the seller.", ev.DealID, ev.Amount)
	case models.EventBalanceAdjusted:
		return fmt.Sprintf("💰 Your balance was adjusted by %s.", ev.Amount)
	}
	return "Deal " + ev.DealID + " was updated."
}

// isRefusal reports errors caused by the request rather than the system.
func isRefusal(err error) bool {
	for _, kind := range []error{
		models.ErrNotFound,
		models.ErrInvalidTransition,
		models.ErrUnauthorized,
		models.ErrInsufficientFunds,
		models.ErrInvalidAmount,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func describeError(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "❌ Deal not found. Check the id and try again."
	case errors.Is(err, models.ErrInsufficientFunds):
		return "❌ Insufficient balance to join this deal."
	case errors.Is(err, models.ErrInvalidTransition):
		return "❌ This action is not available in the deal's current status."
	case errors.Is(err, models.ErrUnauthorized):
		return "❌ You are not allowed to do that."
	case errors.Is(err, models.ErrInvalidAmount):
		return "❌ Invalid amount."
	case errors.Is(err, models.ErrBusy):
		return "⏳ The service is busy, please retry in a moment."
	}
	return "⚠️ Something went wrong, nothing was changed. Please retry later."
}

// parseAdjust reads "<user_id> <delta>".
func parseAdjust(payload string) (int64, decimal.Decimal, error) {
	args := strings.Fields(payload)
	if len(args) != 2 {
		return 0, decimal.Zero, errors.New("expected user id and delta")
	}
	target, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, decimal.Zero, errors.Wrapf(err, "invalid user id %q", args[0])
	}
	delta, err := models.ParseDelta(args[1])
	if err != nil {
		return 0, decimal.Zero, err
	}
	return target, delta, nil
}

const helpText = `P2P Escrow Help

Commands:
/start - Register and show the main menu
/sell - Create a deal step by step
/cancel - Abort deal creation
/deal <id> - Show a deal
/join <id> - Join a deal; its price is held in escrow
/sent <id> - Seller: mark the item as transferred
/received <id> - Buyer: confirm receipt and release the funds
/list - Your deals
/marketplace - Deals waiting for a buyer
/balance - Your balance
/help - Show this help message

Deal status:
⏳ Open - waiting for a buyer
🔒 In process - buyer funds held in escrow
📦 Transferred - seller delivered, waiting for the buyer
✅ Completed - funds released to the seller`
