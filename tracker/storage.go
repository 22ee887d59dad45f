package tracker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Storage.Get for absent or expired keys.
var ErrNotFound = errors.New("storage: key not found")

// Storage is the persistence capability behind visitor and session identity.
// Implementations enforce the ttl given to Set.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string, ttl time.Duration) error
	Remove(key string) error
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// MemoryStorage keeps values in process memory.
type MemoryStorage struct {
	mu    sync.Mutex
	clock Clock
	items map[string]memoryItem
}

func NewMemoryStorage(clock Clock) *MemoryStorage {
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryStorage{clock: clock, items: make(map[string]memoryItem)}
}

func (s *MemoryStorage) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return "", ErrNotFound
	}
	if !s.clock.Now().Before(item.expiresAt) {
		delete(s.items, key)
		return "", ErrNotFound
	}
	return item.value, nil
}

func (s *MemoryStorage) Set(key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memoryItem{value: value, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// CookieCodec signs cookie values as HS256 tokens so their expiry is
// enforced on read and the value cannot be forged by the browser.
type CookieCodec struct {
	secret []byte
	clock  Clock
	Domain string
	Secure bool
}

type cookieClaims struct {
	Value string `json:"v"`
	jwt.RegisteredClaims
}

func NewCookieCodec(secret string, clock Clock) *CookieCodec {
	if clock == nil {
		clock = SystemClock()
	}
	return &CookieCodec{secret: []byte(secret), clock: clock}
}

func (c *CookieCodec) encode(value string, ttl time.Duration) (string, error) {
	if len(c.secret) == 0 {
		return "", fmt.Errorf("%w: cookie secret is not configured", ErrStorageUnavailable)
	}
	now := c.clock.Now()
	claims := cookieClaims{
		Value: value,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("%w: sign cookie: %v", ErrStorageUnavailable, err)
	}
	return signed, nil
}

func (c *CookieCodec) decode(token string) (string, error) {
	if len(c.secret) == 0 {
		return "", fmt.Errorf("%w: cookie secret is not configured", ErrStorageUnavailable)
	}
	claims := &cookieClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock.Now),
	)
	if err != nil {
		// Expired or tampered cookies read as absent.
		return "", ErrNotFound
	}
	return claims.Value, nil
}

// CookieStorage is a per-request Storage over the visitor's cookies.
// Values written during the request are visible to later reads of the
// same request.
type CookieStorage struct {
	w       http.ResponseWriter
	r       *http.Request
	codec   *CookieCodec
	written map[string]*string
}

func NewCookieStorage(w http.ResponseWriter, r *http.Request, codec *CookieCodec) *CookieStorage {
	return &CookieStorage{w: w, r: r, codec: codec, written: make(map[string]*string)}
}

func (s *CookieStorage) Get(key string) (string, error) {
	if v, ok := s.written[key]; ok {
		if v == nil {
			return "", ErrNotFound
		}
		return *v, nil
	}
	cookie, err := s.r.Cookie(key)
	if err != nil {
		return "", ErrNotFound
	}
	return s.codec.decode(cookie.Value)
}

func (s *CookieStorage) Set(key, value string, ttl time.Duration) error {
	token, err := s.codec.encode(value, ttl)
	if err != nil {
		return err
	}
	s.dropPending(key)
	http.SetCookie(s.w, &http.Cookie{
		Name:     key,
		Value:    token,
		Path:     "/",
		Domain:   s.codec.Domain,
		MaxAge:   int(ttl / time.Second),
		Expires:  s.codec.clock.Now().Add(ttl),
		Secure:   s.codec.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.written[key] = &value
	return nil
}

func (s *CookieStorage) Remove(key string) error {
	s.dropPending(key)
	http.SetCookie(s.w, &http.Cookie{
		Name:     key,
		Value:    "",
		Path:     "/",
		Domain:   s.codec.Domain,
		MaxAge:   -1,
		Secure:   s.codec.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.written[key] = nil
	return nil
}

// dropPending removes a Set-Cookie header written earlier in this request
// for key, so the response carries one value per cookie.
func (s *CookieStorage) dropPending(key string) {
	if _, ok := s.written[key]; !ok {
		return
	}
	h := s.w.Header()
	prefix := key + "="
	kept := h["Set-Cookie"][:0]
	for _, line := range h["Set-Cookie"] {
		if !strings.HasPrefix(line, prefix) {
			kept = append(kept, line)
		}
	}
	h["Set-Cookie"] = kept
}

// FallbackStorage switches to process memory after the first failure of
// the primary storage. ErrNotFound is not a failure.
type FallbackStorage struct {
	primary  Storage
	memory   *MemoryStorage
	log      zerolog.Logger
	metrics  *Metrics
	degraded bool
}

func NewFallbackStorage(primary Storage, clock Clock, log zerolog.Logger, metrics *Metrics) *FallbackStorage {
	return &FallbackStorage{
		primary: primary,
		memory:  NewMemoryStorage(clock),
		log:     log,
		metrics: metrics,
	}
}

// Degraded reports whether identities now live in memory only.
func (s *FallbackStorage) Degraded() bool { return s.degraded }

func (s *FallbackStorage) degrade(op string, err error) {
	if s.degraded {
		return
	}
	s.degraded = true
	s.metrics.storageFallback()
	s.log.Warn().Err(err).Str("op", op).Msg("identity storage unavailable, using in-memory identity for this page load")
}

func (s *FallbackStorage) Get(key string) (string, error) {
	if s.degraded {
		return s.memory.Get(key)
	}
	v, err := s.primary.Get(key)
	if err == nil || errors.Is(err, ErrNotFound) {
		return v, err
	}
	s.degrade("get", err)
	return s.memory.Get(key)
}

func (s *FallbackStorage) Set(key, value string, ttl time.Duration) error {
	if !s.degraded {
		err := s.primary.Set(key, value, ttl)
		if err == nil {
			return nil
		}
		s.degrade("set", err)
	}
	return s.memory.Set(key, value, ttl)
}

func (s *FallbackStorage) Remove(key string) error {
	if !s.degraded {
		err := s.primary.Remove(key)
		if err == nil {
			return nil
		}
		s.degrade("remove", err)
	}
	return s.memory.Remove(key)
}
