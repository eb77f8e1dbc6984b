package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wattwise/energy-monitor/internal/auth"
	"github.com/wattwise/energy-monitor/internal/platform/mailer"
)

const (
	codeTTL         = 24 * time.Hour
	resetCodeTTL    = time.Hour
	refreshTTL      = 30 * 24 * time.Hour
	maxResetRequest = 5
	maxCodeAttempts = 5
)

// LocalConfig configures the in-process provider.
type LocalConfig struct {
	Secret   string
	Issuer   string
	ClientID string
	TokenTTL time.Duration
}

type localUser struct {
	id        string
	email     string
	hash      []byte
	confirmed bool

	code         string
	codeExpires  time.Time
	codeAttempts int

	resetCode     string
	resetExpires  time.Time
	resetRequests int
	resetAttempts int
}

type refreshEntry struct {
	email   string
	expires time.Time
}

// Local is an in-memory Provider issuing HS256 tokens that auth.StaticKey
// verifies. Confirmation and reset codes are mailed through the sender.
type Local struct {
	cfg  LocalConfig
	mail mailer.Sender
	now  func() time.Time
	code func() (string, error)

	mu      sync.Mutex
	users   map[string]*localUser
	refresh map[string]refreshEntry
}

func NewLocal(cfg LocalConfig, mail mailer.Sender) *Local {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "local"
	}
	return &Local{
		cfg:     cfg,
		mail:    mail,
		now:     time.Now,
		code:    sixDigitCode,
		users:   make(map[string]*localUser),
		refresh: make(map[string]refreshEntry),
	}
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// checkPassword mirrors the default user pool policy: eight characters with
// upper, lower, digit and symbol.
func checkPassword(pw string) error {
	if len(pw) < 8 {
		return ErrInvalidPassword
	}
	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return ErrInvalidPassword
	}
	return nil
}

func (l *Local) SignUp(ctx context.Context, email, password string) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	code, err := l.code()
	if err != nil {
		return err
	}

	key := normalizeEmail(email)
	l.mu.Lock()
	if _, ok := l.users[key]; ok {
		l.mu.Unlock()
		return ErrUserExists
	}
	l.users[key] = &localUser{
		id:          uuid.NewString(),
		email:       strings.TrimSpace(email),
		hash:        hash,
		code:        code,
		codeExpires: l.now().Add(codeTTL),
	}
	l.mu.Unlock()

	return l.sendCode(ctx, email, "Verify your email", code)
}

func (l *Local) sendCode(ctx context.Context, to, subject, code string) error {
	return l.mail.Send(ctx, mailer.Email{
		To:      []string{to},
		Subject: subject,
		Text:    "Your code is " + code,
	})
}

func (l *Local) ConfirmSignUp(_ context.Context, email, code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[normalizeEmail(email)]
	if !ok {
		return ErrUserNotFound
	}
	if u.confirmed {
		return nil
	}
	if err := checkCode(&u.code, &u.codeAttempts, code); err != nil {
		return err
	}
	if l.now().After(u.codeExpires) {
		return ErrExpiredCode
	}
	u.confirmed = true
	u.code = ""
	return nil
}

// checkCode compares given with *want, counting failures. The code is
// discarded after maxCodeAttempts failures so a new one must be requested.
func checkCode(want *string, attempts *int, given string) error {
	if *want == "" {
		if *attempts >= maxCodeAttempts {
			return ErrLimitExceeded
		}
		return ErrCodeMismatch
	}
	if *want == given {
		return nil
	}
	*attempts++
	if *attempts >= maxCodeAttempts {
		*want = ""
		return ErrLimitExceeded
	}
	return ErrCodeMismatch
}

func (l *Local) ResendCode(ctx context.Context, email string) error {
	code, err := l.code()
	if err != nil {
		return err
	}
	l.mu.Lock()
	u, ok := l.users[normalizeEmail(email)]
	if !ok {
		l.mu.Unlock()
		return ErrUserNotFound
	}
	if u.confirmed {
		l.mu.Unlock()
		return fmt.Errorf("%w: user already confirmed", ErrNotAuthorized)
	}
	u.code = code
	u.codeExpires = l.now().Add(codeTTL)
	u.codeAttempts = 0
	l.mu.Unlock()

	return l.sendCode(ctx, email, "Verify your email", code)
}

func (l *Local) Login(_ context.Context, email, password string) (Tokens, error) {
	key := normalizeEmail(email)
	l.mu.Lock()
	u, ok := l.users[key]
	var hash []byte
	if ok {
		hash = u.hash
	}
	l.mu.Unlock()

	// Compared outside the lock.
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return Tokens{}, ErrNotAuthorized
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.users[key]; !ok || cur != u || !bytes.Equal(u.hash, hash) {
		return Tokens{}, ErrNotAuthorized
	}
	if !u.confirmed {
		return Tokens{}, ErrUserNotConfirmed
	}

	tokens, err := l.issue(u)
	if err != nil {
		return Tokens{}, err
	}
	tokens.RefreshToken = uuid.NewString()
	l.refresh[tokens.RefreshToken] = refreshEntry{email: key, expires: l.now().Add(refreshTTL)}
	return tokens, nil
}

func (l *Local) Refresh(_ context.Context, refreshToken string) (Tokens, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.refresh[refreshToken]
	if !ok {
		return Tokens{}, ErrNotAuthorized
	}
	if l.now().After(entry.expires) {
		delete(l.refresh, refreshToken)
		return Tokens{}, ErrNotAuthorized
	}
	u, ok := l.users[entry.email]
	if !ok {
		return Tokens{}, ErrNotAuthorized
	}
	return l.issue(u)
}

func (l *Local) issue(u *localUser) (Tokens, error) {
	now := l.now()
	registered := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   u.id,
			Issuer:    l.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(l.cfg.TokenTTL)),
			ID:        uuid.NewString(),
		}
	}

	idClaims := auth.Claims{Email: u.email, TokenUse: "id", RegisteredClaims: registered()}
	idClaims.Audience = jwt.ClaimStrings{l.cfg.ClientID}
	accessClaims := auth.Claims{TokenUse: "access", RegisteredClaims: registered()}

	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, idClaims).SignedString([]byte(l.cfg.Secret))
	if err != nil {
		return Tokens{}, fmt.Errorf("sign id token: %w", err)
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString([]byte(l.cfg.Secret))
	if err != nil {
		return Tokens{}, fmt.Errorf("sign access token: %w", err)
	}
	return Tokens{AccessToken: accessToken, IDToken: idToken}, nil
}

func (l *Local) ForgotPassword(ctx context.Context, email string) error {
	code, err := l.code()
	if err != nil {
		return err
	}
	l.mu.Lock()
	u, ok := l.users[normalizeEmail(email)]
	if !ok {
		l.mu.Unlock()
		return ErrUserNotFound
	}
	if u.resetRequests >= maxResetRequest {
		l.mu.Unlock()
		return ErrLimitExceeded
	}
	u.resetRequests++
	u.resetCode = code
	u.resetExpires = l.now().Add(resetCodeTTL)
	u.resetAttempts = 0
	l.mu.Unlock()

	return l.sendCode(ctx, email, "Reset your password", code)
}

func (l *Local) ConfirmForgotPassword(_ context.Context, email, code, newPassword string) error {
	key := normalizeEmail(email)
	l.mu.Lock()
	u, ok := l.users[key]
	if !ok {
		l.mu.Unlock()
		return ErrUserNotFound
	}
	if err := checkCode(&u.resetCode, &u.resetAttempts, code); err != nil {
		l.mu.Unlock()
		return err
	}
	if l.now().After(u.resetExpires) {
		l.mu.Unlock()
		return ErrExpiredCode
	}
	l.mu.Unlock()

	if err := checkPassword(newPassword); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// The code may have been used or replaced while hashing.
	if u.resetCode == "" || u.resetCode != code {
		return ErrCodeMismatch
	}
	u.hash = hash
	u.resetCode = ""
	u.resetRequests = 0
	u.resetAttempts = 0
	// a reset confirms ownership of the address
	u.confirmed = true
	return nil
}

func (l *Local) UserEmail(_ context.Context, userID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range l.users {
		if u.id == userID {
			return u.email, nil
		}
	}
	return "", ErrUserNotFound
}
