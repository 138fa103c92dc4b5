package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// tokenAuth checks bearer tokens against a bcrypt hash. The digest of the
// last accepted token is remembered so a client repeating it does not pay
// for bcrypt on every request.
type tokenAuth struct {
	hash []byte

	mu       sync.Mutex
	accepted [sha256.Size]byte
	valid    bool
}

func newTokenAuth(hash string) *tokenAuth {
	if hash == "" {
		return nil
	}
	return &tokenAuth{hash: []byte(hash)}
}

func (a *tokenAuth) check(token string) bool {
	if token == "" {
		return false
	}
	sum := sha256.Sum256([]byte(token))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.valid && subtle.ConstantTimeCompare(sum[:], a.accepted[:]) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.accepted, a.valid = sum, true
	return true
}

func (a *tokenAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !a.check(strings.TrimSpace(token)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="fwguard"`)
			WriteErrorCtx(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
