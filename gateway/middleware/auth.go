package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
	// AllowAnonymousReads admits GET and HEAD requests without a token.
	AllowAnonymousReads bool
}

type contextKey string

const (
	ContextKeyToken  contextKey = "market.token"
	ContextKeyCaller contextKey = "market.caller"
)

// Authenticator resolves the calling account from an HS256 bearer token.
// The account is the token's sub claim.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

// CallerFromContext returns the authenticated account, if any.
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(ContextKeyCaller).(string)
	return caller, ok && caller != ""
}

// WithCaller returns a context carrying caller. Intended for tests and
// in-process callers.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, ContextKeyCaller, caller)
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			if a.cfg.AllowAnonymousReads && isRead(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := a.parseToken(tokenString)
		if err != nil {
			a.logger.Warn("auth: token validation failed", slog.Any("error", err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
			a.logger.Warn("auth: claim validation failed", slog.Any("error", err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		subject, err := claims.GetSubject()
		if err != nil || strings.TrimSpace(subject) == "" {
			http.Error(w, "token has no subject", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyToken, tokenString)
		ctx = context.WithValue(ctx, ContextKeyCaller, strings.TrimSpace(subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
