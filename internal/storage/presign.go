// Package storage issues time-limited signed URLs for document files. The
// bytes never pass through the service.
package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MethodGet = "GET"
	MethodPut = "PUT"
)

var (
	ErrExpired   = errors.New("storage: url expired")
	ErrSignature = errors.New("storage: bad signature")
)

type Presigner struct {
	BaseURL string
	Key     []byte
	TTL     time.Duration
	Now     func() time.Time
}

func NewPresigner(baseURL, key string, ttl time.Duration) *Presigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Presigner{BaseURL: strings.TrimRight(baseURL, "/"), Key: []byte(key), TTL: ttl, Now: time.Now}
}

// ObjectKey builds a unique storage key under the agreement's prefix.
func ObjectKey(agreementID, documentID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return fmt.Sprintf("agreements/%s/documents/%s/%s-%s", agreementID, documentID, uuid.NewString()[:8], name)
}

// Sign returns a URL valid for the configured TTL.
func (p *Presigner) Sign(method, key string) (string, time.Time) {
	expires := p.now().Add(p.TTL).UTC()
	exp := strconv.FormatInt(expires.Unix(), 10)
	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", exp)
	q.Set("sig", p.mac(method, key, exp))
	return p.BaseURL + "/" + escapeKey(key) + "?" + q.Encode(), expires
}

// Verify checks a request produced by Sign.
func (p *Presigner) Verify(method, key string, q url.Values) error {
	if q.Get("method") != method {
		return ErrSignature
	}
	exp := q.Get("expires")
	ts, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrSignature
	}
	provided, err := hex.DecodeString(q.Get("sig"))
	if err != nil {
		return ErrSignature
	}
	expected, _ := hex.DecodeString(p.mac(method, key, exp))
	if !hmac.Equal(provided, expected) {
		return ErrSignature
	}
	if p.now().Unix() > ts {
		return ErrExpired
	}
	return nil
}

func (p *Presigner) mac(method, key, exp string) string {
	m := hmac.New(sha256.New, p.Key)
	_, _ = m.Write([]byte(method + "\n" + key + "\n" + exp))
	return hex.EncodeToString(m.Sum(nil))
}

func (p *Presigner) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
