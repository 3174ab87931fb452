package indengine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const adminIssuer = "ta-engine"

// IssueAdminToken signs an HS256 bearer token accepted by the admin
// endpoints for ttl.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty admin secret")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    adminIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// verifyAdminToken checks an "Authorization: Bearer ..." header value and
// returns the token subject.
func verifyAdminToken(header, secret string) (string, error) {
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return "", errors.New("missing bearer token")
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// adminOnly rejects requests without a valid bearer token. It passes
// everything through when no secret is configured.
func (svc *Service) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	if svc.cfg.AdminJWTSecret == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := verifyAdminToken(r.Header.Get("Authorization"), svc.cfg.AdminJWTSecret)
		if err != nil {
			slog.Warn("admin request rejected", "path", r.URL.Path, "request_id", requestID(r.Context()), "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="ta-engine"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		slog.Debug("admin request", "path", r.URL.Path, "subject", sub, "request_id", requestID(r.Context()))
		next(w, r)
	}
}

// newReloadLimiter allows perSec reloads with the given burst. A
// non-positive rate disables limiting.
func newReloadLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// rateLimited answers 429 once the limiter's budget is spent.
func rateLimited(l *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			slog.Warn("rate limit exceeded", "path", r.URL.Path, "remote", r.RemoteAddr, "request_id", requestID(r.Context()))
			w.Header().Set("Retry-After", "5")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

type requestIDKey struct{}

// withRequestID tags the request with the caller's X-Request-ID or a new
// UUID and echoes it in the response.
func withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	}
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
