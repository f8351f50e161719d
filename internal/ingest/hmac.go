package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

// HMACAuth verifies provider webhook signatures. Requests carry a hex
// SHA-256 HMAC, a unix timestamp, and a nonce; any secret version valid at
// the signed timestamp may have produced the signature, which is what lets
// secrets rotate without dropping webhooks.
//
// String-to-sign:
//
//	ts + "\n" + method + "\n" + path + "\n" + hex(sha256(body))
type HMACAuth struct {
	// SelectSecrets returns the candidate secret values for a request signed
	// at the given time.
	SelectSecrets func(at time.Time) [][]byte

	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	Tolerance       time.Duration

	Now func() time.Time

	nonceMu   sync.Mutex
	nonceSeen map[string]time.Time
}

func NewHMACAuth(selectSecrets func(at time.Time) [][]byte) *HMACAuth {
	return &HMACAuth{
		SelectSecrets:   selectSecrets,
		SignatureHeader: "X-Signature",
		TimestampHeader: "X-Timestamp",
		NonceHeader:     "X-Nonce",
		Tolerance:       5 * time.Minute,
		Now:             time.Now,
		nonceSeen:       make(map[string]time.Time),
	}
}

// Verify checks the timestamp is within tolerance, the nonce has not been
// replayed inside that window, and the signature matches a valid secret.
func (a *HMACAuth) Verify(r *http.Request, requestPath string, body []byte) error {
	if a == nil || a.SelectSecrets == nil {
		return nil
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}

	sigHex := strings.TrimSpace(r.Header.Get(a.SignatureHeader))
	tsStr := strings.TrimSpace(r.Header.Get(a.TimestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(a.NonceHeader))
	if sigHex == "" || tsStr == "" || nonce == "" {
		return ErrUnauthorized
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return ErrUnauthorized
	}
	signedAt := time.Unix(ts, 0).UTC()
	if a.Tolerance > 0 {
		drift := now().UTC().Sub(signedAt)
		if drift < -a.Tolerance || drift > a.Tolerance {
			return ErrUnauthorized
		}
	}

	if !a.rememberNonce(nonce, signedAt.Add(a.Tolerance), now) {
		return ErrUnauthorized
	}

	gotSig, err := hex.DecodeString(sigHex)
	if err != nil || len(gotSig) == 0 {
		return ErrUnauthorized
	}

	bodyHash := sha256.Sum256(body)
	msg := []byte(fmt.Sprintf("%s\n%s\n%s\n%s",
		tsStr, r.Method, requestPath, hex.EncodeToString(bodyHash[:])))

	for _, secret := range a.SelectSecrets(signedAt) {
		if len(secret) == 0 {
			continue
		}
		mac := hmac.New(sha256.New, secret)
		_, _ = mac.Write(msg)
		if subtle.ConstantTimeCompare(gotSig, mac.Sum(nil)) == 1 {
			return nil
		}
	}
	return ErrUnauthorized
}

// rememberNonce returns false when the nonce was already used within its
// window. Expired entries are swept opportunistically.
func (a *HMACAuth) rememberNonce(nonce string, expiresAt time.Time, now func() time.Time) bool {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	if a.nonceSeen == nil {
		a.nonceSeen = make(map[string]time.Time)
	}

	t := now().UTC()
	for k, exp := range a.nonceSeen {
		if !t.Before(exp) {
			delete(a.nonceSeen, k)
		}
	}

	if exp, ok := a.nonceSeen[nonce]; ok && t.Before(exp) {
		return false
	}
	a.nonceSeen[nonce] = expiresAt.UTC()
	return true
}
