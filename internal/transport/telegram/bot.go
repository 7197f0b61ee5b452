// Package telegram is the bot's Telegram side: the message gateway used
// for campaign delivery, the subscribe/unsubscribe commands that feed the
// recipient directory, and the owner-only operator commands.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "promobot/internal/runtime/supervisor"
	logx "promobot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	OwnerIDs    []int64
	OpsChatID   int64

	// RatePerSec caps outbound sends; Telegram allows about 30/s per bot.
	RatePerSec float64
	Burst      int

	CommandTimeout time.Duration
	// SendTimeout bounds one Bot API request. Telebot calls take no
	// context, so this is enforced on the HTTP client.
	SendTimeout    time.Duration
}

const (
	DefaultRatePerSec     = 25
	DefaultCommandTimeout = 30 * time.Second
	DefaultSendTimeout    = 30 * time.Second

	// pollSlack keeps the client from cutting a long poll short.
	pollSlack = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// clientTimeout is the HTTP client timeout shared by sends and getUpdates.
func (c Config) clientTimeout() time.Duration {
	return max(c.SendTimeout, c.PollTimeout+pollSlack)
}

type Bot struct {
	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	tb  *tele.Bot // nil when built around a fake sender
	api sender
	log logx.Logger

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		Client: &http.Client{Timeout: cfg.clientTimeout()},
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	b := newBot(cfg, tb, log)
	b.tb = tb
	return b, nil
}

func newBot(cfg Config, api sender, log logx.Logger) *Bot {
	cfg = cfg.withDefaults()
	return &Bot{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		api:     api,
		log:     log.With(logx.Component("telegram")),
	}
}

// Apply updates rate limits, owners and the ops chat. The token, poll
// timeout and send timeout need a restart.
func (b *Bot) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.RatePerSec != b.cfg.RatePerSec || cfg.Burst != b.cfg.Burst {
		b.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		b.limiter.SetBurst(cfg.Burst)
	}
	cfg.Token, cfg.PollTimeout, cfg.SendTimeout = b.cfg.Token, b.cfg.PollTimeout, b.cfg.SendTimeout
	b.cfg = cfg
}

func (b *Bot) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *Bot) isOwner(id int64) bool {
	return slices.Contains(b.config().OwnerIDs, id)
}

// Register wires command handlers into the bot. Call before Start.
func (b *Bot) Register(h *Handlers) {
	if b.tb == nil {
		return
	}
	for _, cmd := range h.commands() {
		handle := Chain(cmd.Handle,
			MWPanicRecover(b.log),
			MWRequestLog(b.log),
			MWTimeout(b.config().CommandTimeout),
		)
		if cmd.OwnerOnly {
			handle = b.ownerOnly(handle)
		}
		b.tb.Handle("/"+cmd.Name, func(c tele.Context) error {
			req := requestFrom(c, cmd.Name)
			reply, err := handle(context.Background(), req)
			if err != nil {
				reply = "⚠️ " + err.Error()
			}
			if reply == "" {
				return nil
			}
			return c.Send(truncate(reply, telegramTextLimit), &tele.SendOptions{DisableWebPagePreview: true})
		})
	}
}

func (b *Bot) ownerOnly(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (string, error) {
		if !b.isOwner(req.FromID) {
			return "", nil
		}
		return next(ctx, req)
	}
}

func requestFrom(c tele.Context, name string) *Request {
	req := &Request{Command: name, Args: c.Args()}
	if chat := c.Chat(); chat != nil {
		req.ChatID = chat.ID
	}
	if s := c.Sender(); s != nil {
		req.FromID = s.ID
		req.Username = s.Username
	}
	return req
}

// Start runs long polling under a restart loop until ctx ends or Stop.
func (b *Bot) Start(ctx context.Context) {
	if b.tb == nil {
		return
	}
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.sup != nil {
		return
	}
	b.sup = rtsup.New(ctx,
		rtsup.WithLogger(b.log),
		// polling trouble must not take the app down
		rtsup.WithCancelOnError(false),
	)
	sup := b.sup
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.tb.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		b.tb.Start()
		b.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

// Stop ends polling, waiting at most two seconds for the long poll.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	b.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, context.DeadlineExceeded) {
			b.log.Warn("telegram stop timed out")
			return nil
		}
		b.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}
