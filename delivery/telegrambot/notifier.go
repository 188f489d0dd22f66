package telegrambot

import (
	"errors"
	"html"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	goIntercept "github.com/MrEthical07/goIntercept"
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Options configures a [Notifier].
type Options struct {
	// Buffer is the number of queued messages. Defaults to 256.
	Buffer int
	// MaxRetryAfter caps how long a send waits on a Bot API rate limit
	// before retrying once. Defaults to 5s.
	MaxRetryAfter time.Duration
	Logger        *zap.Logger
	// ChatID maps a recipient id to a Telegram chat. Recipients it rejects
	// are skipped.
	ChatID func(recipientID string) (int64, bool)
	// Format renders the message body as HTML.
	Format func(ev goIntercept.DeliveryEvent) string
}

type job struct {
	chatID    int64
	recipient string
	eventID   string
	text      string
}

// Notifier is safe for concurrent use.
type Notifier struct {
	sender Sender
	opts   Options
	logger *zap.Logger

	queue     chan job
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	skipped atomic.Uint64

	sleep func(d time.Duration, done <-chan struct{}) bool
}

// New starts a notifier sending through sender.
func New(sender Sender, opts Options) (*Notifier, error) {
	if sender == nil {
		return nil, errors.New("telegrambot: nil sender")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ChatID == nil {
		opts.ChatID = ParseChatID
	}
	if opts.Format == nil {
		opts.Format = DefaultFormat
	}

	n := &Notifier{
		sender: sender,
		opts:   opts,
		logger: opts.Logger.Named("telegrambot"),
		queue:  make(chan job, opts.Buffer),
		done:   make(chan struct{}),
		sleep:  sleepOrDone,
	}
	n.wg.Add(1)
	go n.run()
	return n, nil
}

// NewFromToken connects to the Bot API with token.
func NewFromToken(token string, opts Options) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	return New(api, opts)
}

// ParseChatID treats the recipient id as a decimal chat id.
func ParseChatID(recipientID string) (int64, bool) {
	id, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// DefaultFormat renders "Login code for <account>: <code>".
func DefaultFormat(ev goIntercept.DeliveryEvent) string {
	return "Login code for <b>" + html.EscapeString(ev.AccountID) + "</b>: <code>" + html.EscapeString(ev.Code) + "</code>"
}

// Handle queues one message per recipient of ev. It never blocks; when the
// queue is full the message is dropped and counted.
func (n *Notifier) Handle(ev goIntercept.DeliveryEvent) {
	if n.closed.Load() {
		return
	}
	text := n.opts.Format(ev)
	for _, r := range ev.DeliveredTo {
		chatID, ok := n.opts.ChatID(r)
		if !ok {
			n.skipped.Add(1)
			n.logger.Debug("recipient has no chat", zap.String("recipient_id", r))
			continue
		}
		select {
		case n.queue <- job{chatID: chatID, recipient: r, eventID: ev.ID, text: text}:
		default:
			n.dropped.Add(1)
			n.logger.Warn("notification queue full, dropping",
				zap.String("recipient_id", r),
				zap.String("event_id", ev.ID),
			)
		}
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case j := <-n.queue:
			n.send(j)
		case <-n.done:
			for {
				select {
				case j := <-n.queue:
					n.send(j)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) send(j job) {
	msg := tgbotapi.NewMessage(j.chatID, j.text)
	msg.ParseMode = tgbotapi.ModeHTML

	_, err := n.sender.Send(msg)
	if wait, ok := retryAfter(err); ok && wait <= n.opts.MaxRetryAfter {
		if n.sleep(wait, n.done) {
			_, err = n.sender.Send(msg)
		}
	}
	if err != nil {
		n.failed.Add(1)
		n.logger.Warn("telegram send failed",
			zap.String("recipient_id", j.recipient),
			zap.String("event_id", j.eventID),
			zap.Error(err),
		)
		return
	}
	n.sent.Add(1)
}

func retryAfter(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	return 0, false
}

// sleepOrDone reports false if done closed first.
func sleepOrDone(d time.Duration, done <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

// Close stops accepting events, sends what is queued and waits.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		close(n.done)
		n.wg.Wait()
	})
}

// Sent counts messages the Bot API accepted.
func (n *Notifier) Sent() uint64 { return n.sent.Load() }

// Failed counts messages that could not be sent.
func (n *Notifier) Failed() uint64 { return n.failed.Load() }

// Dropped counts messages lost to a full queue.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Skipped counts recipients without a chat id.
func (n *Notifier) Skipped() uint64 { return n.skipped.Load() }
