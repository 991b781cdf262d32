package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/ctfledger/internal/crypto"
	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// HeaderDevCaller names the caller without a signature. It is honoured only
// when AuthConfig.AllowDevCaller is set.
const HeaderDevCaller = "X-Ledger-Caller"

// maxSignedBody bounds how much of a request body is read for signature
// verification.
const maxSignedBody = 1 << 20

type callerKey struct{}

// AuthConfig controls request authentication.
type AuthConfig struct {
	MaxSkew        time.Duration
	AllowDevCaller bool
	// Replay, when set, refuses a second copy of any signed request while
	// its timestamp is still inside the skew window.
	Replay domain.ReplayGuard
}

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	if info := infoFrom(ctx); info != nil {
		info.caller, info.hasCaller = caller.Hex(), true
	}
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	c, ok := ctx.Value(callerKey{}).(common.Address)
	return c, ok
}

// Signature returns middleware that authenticates signed requests. A request
// carrying the signature headers must verify or it is rejected; a request
// without them passes through anonymous, and RequireCaller decides whether
// that is acceptable.
func Signature(cfg AuthConfig) func(http.Handler) http.Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get(crypto.HeaderSignature)
			if sig == "" {
				if dev := strings.TrimSpace(r.Header.Get(HeaderDevCaller)); dev != "" && cfg.AllowDevCaller {
					if !common.IsHexAddress(dev) {
						writeUnauthorized(w, "invalid "+HeaderDevCaller)
						return
					}
					r = r.WithContext(WithCaller(r.Context(), common.HexToAddress(dev)))
				}
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			if len(body) > maxSignedBody {
				writeUnauthorized(w, "signed body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller, err := crypto.VerifyRequest(
				r.Header.Get(crypto.HeaderAddress),
				r.Header.Get(crypto.HeaderTimestamp),
				sig, r.Method, r.URL.RequestURI(), body,
				time.Now(), cfg.MaxSkew,
			)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			if cfg.Replay != nil {
				// VerifyRequest already parsed this header.
				ts, _ := strconv.ParseInt(r.Header.Get(crypto.HeaderTimestamp), 10, 64)
				requestKey := crypto.ReplayKey(caller, ts, r.Method, r.URL.RequestURI(), body)
				// A timestamp verifies from ts-MaxSkew to ts+MaxSkew.
				fresh, err := cfg.Replay.Claim(r.Context(), requestKey, 2*cfg.MaxSkew)
				if err != nil {
					writeError(w, http.StatusServiceUnavailable, "replay check unavailable")
					return
				}
				if !fresh {
					writeUnauthorized(w, "request already used")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// RequireCaller rejects anonymous requests.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CallerFrom(r.Context()); !ok {
			writeUnauthorized(w, "signed request required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
