package mcp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerAgentID   = "x-agent-id"
	headerTS        = "x-ts"
	headerNonce     = "x-nonce"
	headerSignature = "x-signature"

	clockSkew = 5 * time.Minute
)

// Canonical request: ts, method, path, agent id, nonce and the raw body,
// newline separated.
func canonicalRequest(ts, method, path, agentID, nonce string, body []byte) string {
	var b strings.Builder
	for _, part := range []string{ts, strings.ToUpper(method), path, strings.TrimSpace(agentID), strings.TrimSpace(nonce)} {
		b.WriteString(part)
		b.WriteByte('\n')
	}
	b.Write(body)
	return b.String()
}

// Sign returns the hex HMAC-SHA256 a client puts in x-signature.
func Sign(secret []byte, ts, method, path, agentID, nonce string, body []byte) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonicalRequest(ts, method, path, agentID, nonce, body)))
	return hex.EncodeToString(h.Sum(nil))
}

type authError struct {
	status int
	msg    string
}

func (e *authError) Error() string { return e.msg }

func unauthorized(msg string) *authError {
	return &authError{status: http.StatusUnauthorized, msg: msg}
}

// verify checks the signed headers and returns the agent id to use as the
// session key.
func verify(r *http.Request, body, secret []byte, nonces *nonceCache, now time.Time) (string, *authError) {
	agentID := strings.TrimSpace(r.Header.Get(headerAgentID))
	ts := strings.TrimSpace(r.Header.Get(headerTS))
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(headerSignature)))
	switch {
	case agentID == "":
		return "", unauthorized("missing x-agent-id")
	case ts == "":
		return "", unauthorized("missing x-ts")
	case nonce == "":
		return "", unauthorized("missing x-nonce")
	case sig == "":
		return "", unauthorized("missing x-signature")
	}

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", unauthorized("bad x-ts")
	}
	if d := now.Sub(time.UnixMilli(ms)); d > clockSkew || d < -clockSkew {
		return "", unauthorized("x-ts outside window")
	}
	want := Sign(secret, ts, r.Method, r.URL.Path, agentID, nonce, body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", unauthorized("bad signature")
	}
	if !nonces.use(agentID+"|"+nonce, now) {
		return "", &authError{status: http.StatusConflict, msg: "nonce already used"}
	}
	return agentID, nil
}

// nonceCache rejects a key seen within ttl. ttl must cover both sides of
// the clock skew window.
type nonceCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	max       int
	expires   map[string]time.Time
	lastSweep time.Time
}

func newNonceCache(ttl time.Duration, max int) *nonceCache {
	return &nonceCache{ttl: ttl, max: max, expires: map[string]time.Time{}}
}

func (c *nonceCache) use(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) > c.ttl/2 || len(c.expires) >= c.max {
		for k, exp := range c.expires {
			if !exp.After(now) {
				delete(c.expires, k)
			}
		}
		c.lastSweep = now
	}
	if exp, ok := c.expires[key]; ok && exp.After(now) {
		return false
	}
	if len(c.expires) >= c.max {
		// Full of live entries.
		return false
	}
	c.expires[key] = now.Add(c.ttl)
	return true
}

func (c *nonceCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expires)
}
