// Package identity resolves the tenant, session and locale of a request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/ashureev/taskflow/internal/domain"
)

const (
	AnonCookieName        = "taskflow_anon_id"
	TenantHeaderName      = "X-Tenant-ID"
	SessionHeaderName     = "X-Session-ID"
	LocaleHeaderName      = "X-Locale"
	DefaultSessionIDValue = "default"
	anonCookieMaxAge      = 30 * 24 * time.Hour
)

type contextKey int

const (
	tenantKey contextKey = iota
	sessionIDKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// supported locales, the first being the fallback for the matcher.
var supported = []language.Tag{language.Polish, language.English}

var matcher = language.NewMatcher(supported)

// TenantFromContext returns the tenant of the request.
func TenantFromContext(ctx context.Context) domain.TenantContext {
	if v, ok := ctx.Value(tenantKey).(domain.TenantContext); ok {
		return v
	}
	return domain.TenantContext{Locale: domain.DefaultLocale}
}

// SessionIDFromContext extracts the conversation session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithTenant returns a context carrying the tenant and session, for callers outside HTTP.
func WithTenant(ctx context.Context, tenant domain.TenantContext, sessionID string) context.Context {
	ctx = context.WithValue(ctx, tenantKey, tenant)
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// SanitizeTenantID returns id when it is a safe identifier, or "".
func SanitizeTenantID(id string) string {
	id = strings.TrimSpace(id)
	if !idPattern.MatchString(id) {
		return ""
	}
	return id
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !idPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// ResolveLocale picks a supported locale from an explicit choice, then Accept-Language,
// then the fallback.
func ResolveLocale(explicit, acceptLanguage, fallback string) string {
	if explicit != "" {
		if tag, err := language.Parse(explicit); err == nil {
			_, idx, conf := matcher.Match(tag)
			if conf != language.No {
				return base(supported[idx])
			}
		}
	}
	if acceptLanguage != "" {
		if tags, _, err := language.ParseAcceptLanguage(acceptLanguage); err == nil && len(tags) > 0 {
			_, idx, conf := matcher.Match(tags...)
			if conf != language.No {
				return base(supported[idx])
			}
		}
	}
	if fallback == "" {
		return domain.DefaultLocale
	}
	return fallback
}

func base(t language.Tag) string {
	b, _ := t.Base()
	return b.String()
}

// Middleware identifies the tenant from the X-Tenant-ID header or an anonymous cookie,
// the session from X-Session-ID or the session_id query parameter, and the locale.
func Middleware(isDev bool, defaultLocale string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := SanitizeTenantID(r.Header.Get(TenantHeaderName))
			if tenantID == "" {
				id, err := getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
				tenantID = id
			}

			explicit := r.Header.Get(LocaleHeaderName)
			if explicit == "" {
				explicit = r.URL.Query().Get("locale")
			}
			tenant := domain.TenantContext{
				TenantID: tenantID,
				Locale:   ResolveLocale(explicit, r.Header.Get("Accept-Language"), defaultLocale),
			}

			ctx := context.WithValue(r.Context(), tenantKey, tenant)
			ctx = context.WithValue(ctx, sessionIDKey, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
