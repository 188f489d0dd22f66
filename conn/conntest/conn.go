package conntest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goIntercept/conn"
)

// Conn is a connection to a [Service].
type Conn struct {
	svc    *Service
	device conn.Device

	mu               sync.Mutex
	connected        bool
	selfID           int64
	pendingID        int64
	phone            string
	handlers         map[int]conn.MessageHandler
	nextHandler      int
	awaitingPassword bool

	disconnects atomic.Int32
}

// Device returns the fingerprint the connection was dialed with.
func (c *Conn) Device() conn.Device { return c.device }

// DisconnectCalls reports how many times Disconnect was called.
func (c *Conn) DisconnectCalls() int { return int(c.disconnects.Load()) }

// Subscribers reports the number of registered message handlers.
func (c *Conn) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// SelfID returns the account the connection is signed in as, or 0.
func (c *Conn) SelfID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Drop simulates a network failure: the connection goes away without a
// Disconnect call.
func (c *Conn) Drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Conn) Connect(ctx context.Context) error {
	delay, _ := c.svc.delays()
	if err := wait(ctx, delay); err != nil {
		return err
	}
	if err := c.svc.popConnectErr(); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Disconnect() error {
	c.disconnects.Add(1)
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) Authorized(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	connected, id := c.connected, c.selfID
	c.mu.Unlock()
	if !connected {
		return false, conn.ErrNotConnected
	}
	if id == 0 {
		return false, nil
	}
	if c.svc.isRevoked(id) {
		return false, nil
	}
	if _, ok := c.svc.accountByID(id); !ok {
		return false, nil
	}
	return true, nil
}

func (c *Conn) RequestCode(ctx context.Context, phone string) (conn.SentCode, error) {
	if err := c.beforeCall(ctx); err != nil {
		return conn.SentCode{}, err
	}
	if err := c.svc.popErr(c.svc.requestErrs, phone); err != nil {
		return conn.SentCode{}, err
	}
	hash, _, err := c.svc.issueCode(phone)
	if err != nil {
		return conn.SentCode{}, err
	}
	c.mu.Lock()
	c.phone = phone
	c.mu.Unlock()
	return conn.SentCode{Hash: hash, Type: "app", Timeout: 2 * time.Minute}, nil
}

func (c *Conn) SignIn(ctx context.Context, phone, code, codeHash string) (conn.Self, error) {
	if err := c.beforeCall(ctx); err != nil {
		return conn.Self{}, err
	}
	if err := c.svc.popErr(c.svc.signInErrs, phone); err != nil {
		return conn.Self{}, err
	}
	acc, err := c.svc.redeem(phone, code, codeHash)
	if err != nil {
		return conn.Self{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if acc.password != "" {
		c.awaitingPassword = true
		c.pendingID = acc.self.ID
		return conn.Self{}, conn.ErrPasswordNeeded
	}
	c.selfID = acc.self.ID
	return acc.self, nil
}

func (c *Conn) CheckPassword(ctx context.Context, password string) (conn.Self, error) {
	if err := c.beforeCall(ctx); err != nil {
		return conn.Self{}, err
	}
	c.mu.Lock()
	phone, awaiting, pending := c.phone, c.awaitingPassword, c.pendingID
	c.mu.Unlock()
	if !awaiting {
		return conn.Self{}, conn.ErrUnauthorized
	}
	if err := c.svc.popErr(c.svc.passwordErrs, phone); err != nil {
		return conn.Self{}, err
	}
	acc, ok := c.svc.accountByID(pending)
	if !ok {
		return conn.Self{}, conn.ErrUnauthorized
	}
	if acc.password != password {
		return conn.Self{}, conn.ErrPasswordInvalid
	}

	c.mu.Lock()
	c.awaitingPassword = false
	c.selfID = acc.self.ID
	c.mu.Unlock()
	return acc.self, nil
}

func (c *Conn) Self(ctx context.Context) (conn.Self, error) {
	if err := ctx.Err(); err != nil {
		return conn.Self{}, err
	}
	c.mu.Lock()
	connected, id := c.connected, c.selfID
	c.mu.Unlock()
	if !connected {
		return conn.Self{}, conn.ErrNotConnected
	}
	if id == 0 || c.svc.isRevoked(id) {
		return conn.Self{}, conn.ErrUnauthorized
	}
	acc, ok := c.svc.accountByID(id)
	if !ok {
		return conn.Self{}, conn.ErrUnauthorized
	}
	return acc.self, nil
}

func (c *Conn) Export() ([]byte, error) {
	c.mu.Lock()
	id := c.selfID
	c.mu.Unlock()
	if id == 0 {
		return nil, conn.ErrUnauthorized
	}
	return CredentialFor(id), nil
}

func (c *Conn) Subscribe(h conn.MessageHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, conn.ErrNotConnected
	}
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}, nil
}

func (c *Conn) handlersFor(selfID int64) []conn.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.selfID != selfID {
		return nil
	}
	out := make([]conn.MessageHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		out = append(out, h)
	}
	return out
}

func (c *Conn) beforeCall(ctx context.Context) error {
	_, delay := c.svc.delays()
	if err := wait(ctx, delay); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return conn.ErrNotConnected
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ conn.Connection = (*Conn)(nil)
var _ conn.Dialer = (*Service)(nil)
