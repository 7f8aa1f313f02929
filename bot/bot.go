package bot

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/tucnak/telebot.v2"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/config"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/deals"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/escrow"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Button identifiers
const (
	btnSellDeal    = "sell"
	btnListDeals   = "list"
	btnMarketplace = "marketplace"
	btnBalance     = "balance"
	btnHelp        = "help"

	// Per-deal buttons carry the deal id as data
	btnJoinDeal    = "join"
	btnSentDeal    = "sent"
	btnReceiveDeal = "received"
)

const listLimit = 10

// Escrow is the operation surface the bot drives.
type Escrow interface {
	EnsureAccount(ctx context.Context, userID int64, displayName string) error
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	CreateDeal(ctx context.Context, sellerID int64, draft escrow.DealDraft) (models.Deal, error)
	Deal(ctx context.Context, dealID string) (models.Deal, error)
	MyDeals(ctx context.Context, userID int64, limit int) ([]models.Deal, error)
	OpenDeals(ctx context.Context, limit int) ([]models.Deal, error)
	JoinDeal(ctx context.Context, buyerID int64, dealID string) (models.Deal, []models.Event, error)
	MarkTransferred(ctx context.Context, sellerID int64, dealID string) (models.Deal, []models.Event, error)
	ConfirmReceived(ctx context.Context, buyerID int64, dealID string) (models.Deal, []models.Event, error)
	AdminAdjust(ctx context.Context, ownerID, targetID int64, delta decimal.Decimal) (decimal.Decimal, []models.Event, error)
}

// Bot represents the Telegram bot with its dependencies
type Bot struct {
	teleBot  *telebot.Bot
	escrow   Escrow
	sessions *sessions
	log      *zap.Logger
}

// recipient addresses a private chat by user id.
type recipient int64

func (r recipient) Recipient() string {
	return strconv.FormatInt(int64(r), 10)
}

// NewBot creates a new Bot instance
func NewBot(cfg *config.Config, svc Escrow, log *zap.Logger) (*Bot, error) {
	if log == nil {
		log = zap.NewNop()
	}

	tb, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bot")
	}

	return &Bot{
		teleBot:  tb,
		escrow:   svc,
		sessions: newSessions(),
		log:      log.Named("bot"),
	}, nil
}

func senderID(u *telebot.User) int64 {
	return int64(u.ID)
}

func displayName(u *telebot.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// send delivers a message and logs delivery failures; the domain outcome is already committed.
func (b *Bot) send(to int64, text string, options ...interface{}) {
	if _, err := b.teleBot.Send(recipient(to), text, options...); err != nil {
		b.log.Warn("send failed", zap.Int64("user_id", to), zap.Error(err))
	}
}

// reply reports a failed domain operation to the user. Refusals are the user's
// to fix; anything else is returned for logging.
func (b *Bot) reply(to int64, err error) error {
	b.send(to, describeError(err))
	if isRefusal(err) {
		return nil
	}
	return err
}

// notify renders events for their recipients.
func (b *Bot) notify(events []models.Event) {
	for _, ev := range events {
		text := eventText(ev)
		for _, to := range ev.Recipients {
			b.send(to, text)
		}
	}
}

func mainMenu() *telebot.ReplyMarkup {
	menu := &telebot.ReplyMarkup{}
	menu.InlineKeyboard = [][]telebot.InlineButton{
		{{Unique: btnSellDeal, Text: "🔄 Sell"}, {Unique: btnListDeals, Text: "📋 My Deals"}},
		{{Unique: btnMarketplace, Text: "🛒 Marketplace"}, {Unique: btnBalance, Text: "💰 Balance"}},
		{{Unique: btnHelp, Text: "❓ Help"}},
	}
	return menu
}

// dealMenu offers the one action viewer may take on d, if any.
func dealMenu(d models.Deal, viewer int64) *telebot.ReplyMarkup {
	var btn *telebot.InlineButton
	switch {
	case d.Status == models.StatusOpen && viewer != d.SellerID:
		btn = &telebot.InlineButton{Unique: btnJoinDeal, Text: "🤝 Join and pay " + d.Price.String(), Data: d.ID}
	case d.Status == models.StatusInProcess && viewer == d.SellerID:
		btn = &telebot.InlineButton{Unique: btnSentDeal, Text: "📦 I have transferred the item", Data: d.ID}
	case d.Status == models.StatusTransferred && d.IsBuyer(viewer):
		btn = &telebot.InlineButton{Unique: btnReceiveDeal, Text: "✅ I received the item", Data: d.ID}
	}
	if btn == nil {
		return nil
	}
	menu := &telebot.ReplyMarkup{}
	menu.InlineKeyboard = [][]telebot.InlineButton{{*btn}}
	return menu
}

func (b *Bot) sendDeal(to int64, d models.Deal) {
	if menu := dealMenu(d, to); menu != nil {
		b.send(to, formatDeal(d), menu)
		return
	}
	b.send(to, formatDeal(d))
}

// register creates the sender's account and shows the main menu
func (b *Bot) register(ctx context.Context, m *telebot.Message) error {
	uid := senderID(m.Sender)
	if err := b.escrow.EnsureAccount(ctx, uid, displayName(m.Sender)); err != nil {
		return b.reply(uid, err)
	}
	b.send(uid, "Welcome to the P2P escrow! Choose an option:", mainMenu())
	return nil
}

func (b *Bot) showBalance(ctx context.Context, u *telebot.User) error {
	uid := senderID(u)
	bal, err := b.escrow.Balance(ctx, uid)
	if err != nil {
		return b.reply(uid, err)
	}
	b.send(uid, "💰 Balance: "+bal.String())
	return nil
}

func (b *Bot) startSell(u *telebot.User) {
	sess := b.sessions.start(senderID(u))
	b.send(senderID(u), sess.Prompt()+"\n\nSend /cancel to stop.")
}

// collect feeds free text into the sender's deal draft and creates the deal once complete.
func (b *Bot) collect(ctx context.Context, m *telebot.Message) error {
	uid := senderID(m.Sender)
	res, active, err := b.sessions.feed(uid, m.Text)
	if !active {
		b.send(uid, "Choose an option:", mainMenu())
		return nil
	}
	if err != nil {
		b.send(uid, err.Error()+"\n"+res.Prompt)
		return nil
	}
	if !res.Done {
		b.send(uid, res.Prompt)
		return nil
	}

	deal, err := b.escrow.CreateDeal(ctx, uid, res.Draft)
	if err != nil {
		return b.reply(uid, err)
	}
	b.send(uid, "✅ Deal created! Share the id "+deal.ID+" with your buyer.\n\n"+formatDeal(deal))
	return nil
}

// dealID normalizes user input; ok is false when it cannot be a deal id.
func dealID(raw string) (string, bool) {
	id := deals.NormalizeID(raw)
	return id, deals.ValidID(id)
}

const badDealID = "Send a deal id like #K4821."

func (b *Bot) showDeal(ctx context.Context, u *telebot.User, rawID string) error {
	uid := senderID(u)
	id, ok := dealID(rawID)
	if !ok {
		b.send(uid, badDealID)
		return nil
	}
	d, err := b.escrow.Deal(ctx, id)
	if err != nil {
		return b.reply(uid, err)
	}
	b.sendDeal(uid, d)
	return nil
}

func (b *Bot) join(ctx context.Context, u *telebot.User, rawID string) error {
	uid := senderID(u)
	id, ok := dealID(rawID)
	if !ok {
		b.send(uid, badDealID)
		return nil
	}
	if err := b.escrow.EnsureAccount(ctx, uid, displayName(u)); err != nil {
		return b.reply(uid, err)
	}
	d, events, err := b.escrow.JoinDeal(ctx, uid, id)
	if err != nil {
		return b.reply(uid, err)
	}
	b.send(uid, "🔒 "+d.EscrowAmount.String()+" is held in escrow for deal "+d.ID+". Wait for the seller to transfer the item.")
	b.notify(events)
	return nil
}

func (b *Bot) markSent(ctx context.Context, u *telebot.User, rawID string) error {
	uid := senderID(u)
	id, ok := dealID(rawID)
	if !ok {
		b.send(uid, badDealID)
		return nil
	}
	d, events, err := b.escrow.MarkTransferred(ctx, uid, id)
	if err != nil {
		return b.reply(uid, err)
	}
	b.send(uid, "📦 Deal "+d.ID+" marked as transferred. The buyer has been asked to confirm.")
	b.notify(events)
	return nil
}

func (b *Bot) confirm(ctx context.Context, u *telebot.User, rawID string) error {
	uid := senderID(u)
	id, ok := dealID(rawID)
	if !ok {
		b.send(uid, badDealID)
		return nil
	}
	_, events, err := b.escrow.ConfirmReceived(ctx, uid, id)
	if err != nil {
		return b.reply(uid, err)
	}
	b.notify(events)
	return nil
}

// listDeals lists all deals of a user
func (b *Bot) listDeals(ctx context.Context, u *telebot.User) error {
	uid := senderID(u)
	list, err := b.escrow.MyDeals(ctx, uid, listLimit)
	if err != nil {
		return b.reply(uid, err)
	}
	if len(list) == 0 {
		b.send(uid, "No deals yet. Use /sell to create your first deal.")
		return nil
	}
	for _, d := range list {
		b.sendDeal(uid, d)
	}
	return nil
}

// showMarketplace displays joinable deals from all sellers
func (b *Bot) showMarketplace(ctx context.Context, u *telebot.User) error {
	uid := senderID(u)
	list, err := b.escrow.OpenDeals(ctx, listLimit)
	if err != nil {
		return b.reply(uid, err)
	}
	if len(list) == 0 {
		b.send(uid, "No open deals in the marketplace right now.")
		return nil
	}
	for _, d := range list {
		b.sendDeal(uid, d)
	}
	return nil
}

func (b *Bot) adjust(ctx context.Context, m *telebot.Message) error {
	uid := senderID(m.Sender)
	target, delta, err := parseAdjust(m.Payload)
	if err != nil {
		b.send(uid, "Usage: /adjust <user_id> <delta>")
		return nil
	}
	bal, events, err := b.escrow.AdminAdjust(ctx, uid, target, delta)
	if err != nil {
		return b.reply(uid, err)
	}
	b.send(uid, "User "+strconv.FormatInt(target, 10)+" balance is now "+bal.String())
	b.notify(events)
	return nil
}

func (b *Bot) showHelp(u *telebot.User) {
	b.send(senderID(u), helpText)
}

// Start registers handlers and polls until Stop is called
func (b *Bot) Start(ctx context.Context) {
	handle := func(name string, err error) {
		if err != nil {
			b.log.Error(name+" failed", zap.Error(err))
		}
	}

	// Menu buttons
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnSellDeal}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		b.startSell(c.Sender)
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnListDeals}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		handle("list deals", b.listDeals(ctx, c.Sender))
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnMarketplace}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		handle("marketplace", b.showMarketplace(ctx, c.Sender))
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnBalance}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		handle("balance", b.showBalance(ctx, c.Sender))
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnHelp}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		b.showHelp(c.Sender)
	})

	// Deal action buttons
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnJoinDeal}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		handle("join deal", b.join(ctx, c.Sender, c.Data))
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnSentDeal}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		handle("mark transferred", b.markSent(ctx, c.Sender, c.Data))
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnReceiveDeal}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		handle("confirm received", b.confirm(ctx, c.Sender, c.Data))
	})

	// Commands
	b.teleBot.Handle("/start", func(m *telebot.Message) {
		handle("register", b.register(ctx, m))
	})
	b.teleBot.Handle("/balance", func(m *telebot.Message) {
		handle("balance", b.showBalance(ctx, m.Sender))
	})
	b.teleBot.Handle("/sell", func(m *telebot.Message) {
		b.startSell(m.Sender)
	})
	b.teleBot.Handle("/cancel", func(m *telebot.Message) {
		if b.sessions.drop(senderID(m.Sender)) {
			b.send(senderID(m.Sender), "Deal creation cancelled.")
			return
		}
		b.send(senderID(m.Sender), "Nothing to cancel.")
	})
	b.teleBot.Handle("/deal", func(m *telebot.Message) {
		handle("show deal", b.showDeal(ctx, m.Sender, m.Payload))
	})
	b.teleBot.Handle("/join", func(m *telebot.Message) {
		handle("join deal", b.join(ctx, m.Sender, m.Payload))
	})
	b.teleBot.Handle("/sent", func(m *telebot.Message) {
		handle("mark transferred", b.markSent(ctx, m.Sender, m.Payload))
	})
	b.teleBot.Handle("/received", func(m *telebot.Message) {
		handle("confirm received", b.confirm(ctx, m.Sender, m.Payload))
	})
	b.teleBot.Handle("/list", func(m *telebot.Message) {
		handle("list deals", b.listDeals(ctx, m.Sender))
	})
	b.teleBot.Handle("/marketplace", func(m *telebot.Message) {
		handle("marketplace", b.showMarketplace(ctx, m.Sender))
	})
	b.teleBot.Handle("/adjust", func(m *telebot.Message) {
		handle("adjust", b.adjust(ctx, m))
	})
	b.teleBot.Handle("/help", func(m *telebot.Message) {
		b.showHelp(m.Sender)
	})

	// Free text feeds the deal draft, if one is in progress
	b.teleBot.Handle(telebot.OnText, func(m *telebot.Message) {
		if strings.HasPrefix(m.Text, "/") {
			return
		}
		handle("collect draft", b.collect(ctx, m))
	})

	b.log.Info("bot started", zap.String("username", b.teleBot.Me.Username))
	b.teleBot.Start()
}

// Stop ends polling
func (b *Bot) Stop() {
	b.teleBot.Stop()
}
