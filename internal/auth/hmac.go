package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"threadhub/internal/apperr"
	"threadhub/internal/util"
)

var uidHashPattern = regexp.MustCompile(`^[A-Za-z0-9]{36}$`)

// SignedRequest carries the four admission fields accompanying the business
// parameters of a signed request.
type SignedRequest struct {
	Params  map[string]string
	TS      int64
	Nonce   string
	UIDHash string
	Sig     string
}

// Verifier validates HMAC-signed requests with replay protection. The nonce
// cache guarantees each (uid_hash, nonce) pair is admitted at most once per
// signature window.
type Verifier struct {
	secret []byte
	window time.Duration
	nonces NonceCache
	clock  util.Clock
}

// NewVerifier builds an HMAC verifier with the shared secret.
func NewVerifier(secret string, window time.Duration, nonces NonceCache, clock util.Clock) *Verifier {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Verifier{secret: []byte(secret), window: window, nonces: nonces, clock: clock}
}

// Verify checks freshness, shape, signature and replay in that order.
// Comparisons against the wall clock tolerate ±5s cross-node skew implicitly
// through the much wider signature window.
func (v *Verifier) Verify(ctx context.Context, req SignedRequest) error {
	now := v.clock.Now().Unix()
	if diff := now - req.TS; diff > int64(v.window.Seconds()) || -diff > int64(v.window.Seconds()) {
		return apperr.AuthFailed("signature expired")
	}
	if !uidHashPattern.MatchString(req.UIDHash) {
		return apperr.BadRequest("malformed uid hash")
	}
	expected := v.Sign(req.Params, req.TS, req.Nonce, req.UIDHash)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(req.Sig))) {
		return apperr.AuthFailed("bad signature")
	}
	fresh, err := v.nonces.Remember(ctx, req.UIDHash, req.Nonce, v.window)
	if err != nil {
		return apperr.Wrap(apperr.CodeAuthFailed, "nonce check failed", err)
	}
	if !fresh {
		return apperr.AuthFailed("nonce replayed")
	}
	return nil
}

// Sign computes the lowercase hex HMAC-SHA256 over the canonical string.
// Exported so clients and tests can produce valid signatures.
func (v *Verifier) Sign(params map[string]string, ts int64, nonce, uidHash string) string {
	canonical := canonicalString(params, ts, nonce, uidHash)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalString sorts business parameters by key ascending, joins them as
// k=v with &, then appends the admission fields.
func canonicalString(params map[string]string, ts int64, nonce, uidHash string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	sb.WriteString("&ts=")
	sb.WriteString(strconv.FormatInt(ts, 10))
	sb.WriteString("&nonce=")
	sb.WriteString(nonce)
	sb.WriteString("&uid_hash=")
	sb.WriteString(uidHash)
	return sb.String()
}
