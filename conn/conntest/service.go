// Package conntest provides an in-memory remote account service that
// implements conn.Dialer. It is meant for tests and for the simulator.
package conntest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goIntercept/conn"
)

const credentialPrefix = "conntest:"

// DefaultCode is the login code issued unless CodeFor says otherwise.
const DefaultCode = "12345"

type account struct {
	self     conn.Self
	password string
}

type sentCode struct {
	phone   string
	code    string
	expired bool
}

// Service is a scriptable fake of the remote account service.
type Service struct {
	mu sync.Mutex

	accounts map[string]*account
	byID     map[int64]*account
	hashes   map[string]*sentCode
	revoked  map[int64]bool
	conns    []*Conn
	nextHash int

	connectErrs  []error
	requestErrs  map[string][]error
	signInErrs   map[string][]error
	passwordErrs map[string][]error

	connectDelay time.Duration
	callDelay    time.Duration

	// CodeFor returns the code issued to phone. Nil means DefaultCode.
	CodeFor func(phone string) string

	dials atomic.Int64
}

// NewService returns an empty service.
func NewService() *Service {
	return &Service{
		accounts:     make(map[string]*account),
		byID:         make(map[int64]*account),
		hashes:       make(map[string]*sentCode),
		revoked:      make(map[int64]bool),
		requestErrs:  make(map[string][]error),
		signInErrs:   make(map[string][]error),
		passwordErrs: make(map[string][]error),
	}
}

// AddAccount registers an account reachable by phone. A non-empty password
// enables the second factor.
func (s *Service) AddAccount(phone string, self conn.Self, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if self.Phone == "" {
		self.Phone = strings.TrimPrefix(phone, "+")
	}
	acc := &account{self: self, password: password}
	s.accounts[phone] = acc
	s.byID[self.ID] = acc
}

// FailNextConnect makes the next Connect call return err.
func (s *Service) FailNextConnect(err error) {
	s.mu.Lock()
	s.connectErrs = append(s.connectErrs, err)
	s.mu.Unlock()
}

// FailNextRequestCode makes the next code request for phone return err.
func (s *Service) FailNextRequestCode(phone string, err error) {
	s.mu.Lock()
	s.requestErrs[phone] = append(s.requestErrs[phone], err)
	s.mu.Unlock()
}

// FailNextSignIn makes the next SignIn for phone return err.
func (s *Service) FailNextSignIn(phone string, err error) {
	s.mu.Lock()
	s.signInErrs[phone] = append(s.signInErrs[phone], err)
	s.mu.Unlock()
}

// FailNextPassword makes the next CheckPassword for phone return err.
func (s *Service) FailNextPassword(phone string, err error) {
	s.mu.Lock()
	s.passwordErrs[phone] = append(s.passwordErrs[phone], err)
	s.mu.Unlock()
}

// SetConnectDelay delays every Connect by d (or until its context ends).
func (s *Service) SetConnectDelay(d time.Duration) {
	s.mu.Lock()
	s.connectDelay = d
	s.mu.Unlock()
}

// SetCallDelay delays RequestCode, SignIn and CheckPassword by d.
func (s *Service) SetCallDelay(d time.Duration) {
	s.mu.Lock()
	s.callDelay = d
	s.mu.Unlock()
}

// ExpireCodes marks every outstanding code for phone as expired.
func (s *Service) ExpireCodes(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.hashes {
		if sc.phone == phone {
			sc.expired = true
		}
	}
}

// LastCode returns the most recent code issued to phone.
func (s *Service) LastCode(phone string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	best, bestN := "", -1
	for hash, sc := range s.hashes {
		if sc.phone != phone {
			continue
		}
		n, _ := strconv.Atoi(strings.TrimPrefix(hash, "h"))
		if n > bestN {
			best, bestN = sc.code, n
		}
	}
	return best
}

// Revoke invalidates every credential for the account.
func (s *Service) Revoke(selfID int64) {
	s.mu.Lock()
	s.revoked[selfID] = true
	s.mu.Unlock()
}

// Send delivers msg to every connected, authorized connection of selfID and
// returns how many handlers were invoked.
func (s *Service) Send(selfID int64, msg conn.Message) int {
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}

	s.mu.Lock()
	if s.revoked[selfID] {
		s.mu.Unlock()
		return 0
	}
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()

	n := 0
	for _, c := range conns {
		for _, h := range c.handlersFor(selfID) {
			h(msg)
			n++
		}
	}
	return n
}

// Conns returns every connection dialed so far.
func (s *Service) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Dials returns the number of Dial calls.
func (s *Service) Dials() int {
	return int(s.dials.Load())
}

// Dial implements conn.Dialer.
func (s *Service) Dial(ctx context.Context, opts conn.DialOptions) (conn.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.dials.Add(1)

	c := &Conn{
		svc:      s,
		device:   opts.Device,
		handlers: make(map[int]conn.MessageHandler),
	}
	if len(opts.Credential) > 0 {
		raw := string(opts.Credential)
		if !strings.HasPrefix(raw, credentialPrefix) {
			return nil, fmt.Errorf("conntest: malformed credential")
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(raw, credentialPrefix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("conntest: malformed credential: %v", err)
		}
		c.selfID = id
	}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, nil
}

// CredentialFor returns the credential bytes the service issues for selfID.
func CredentialFor(selfID int64) []byte {
	return []byte(credentialPrefix + strconv.FormatInt(selfID, 10))
}

func (s *Service) popErr(queue map[string][]error, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := queue[key]
	if len(errs) == 0 {
		return nil
	}
	queue[key] = errs[1:]
	return errs[0]
}

func (s *Service) popConnectErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.connectErrs) == 0 {
		return nil
	}
	err := s.connectErrs[0]
	s.connectErrs = s.connectErrs[1:]
	return err
}

func (s *Service) delays() (time.Duration, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectDelay, s.callDelay
}

func (s *Service) isRevoked(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[id]
}

func (s *Service) issueCode(phone string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[phone]; !ok {
		return "", "", conn.ErrPhoneInvalid
	}
	code := DefaultCode
	if s.CodeFor != nil {
		code = s.CodeFor(phone)
	}
	s.nextHash++
	hash := "h" + strconv.Itoa(s.nextHash)
	s.hashes[hash] = &sentCode{phone: phone, code: code}
	return hash, code, nil
}

func (s *Service) redeem(phone, code, hash string) (*account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.hashes[hash]
	if !ok || sc.phone != phone || sc.expired {
		return nil, conn.ErrCodeExpired
	}
	if sc.code != code {
		return nil, conn.ErrCodeInvalid
	}
	delete(s.hashes, hash)
	acc, ok := s.accounts[phone]
	if !ok {
		return nil, conn.ErrPhoneInvalid
	}
	return acc, nil
}

func (s *Service) accountByID(id int64) (*account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	return acc, ok
}
