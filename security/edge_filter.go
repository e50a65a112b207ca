package security

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"vwr-system/monitoring"
	"vwr-system/services"
)

const (
	entryTokenCookie = "entry-token"
	entryTokenHeader = "x-queue-entry-token"

	// Context keys for downstream handlers once the token checked out.
	ContextIdentityKey = "admission_identity"
	ContextEventKey    = "admission_event"
)

// EdgeFilter gates protected routes using only the admission token. It
// never touches the ledger: verification is pure computation over the token
// and the shared secret, so it can sit at the network edge.
type EdgeFilter struct {
	tokens            *services.TokenService
	protectedPrefixes []string
	bypassedPrefixes  []string
	waitingRoomURL    string
	monitor           *monitoring.Monitor
}

func NewEdgeFilter(tokens *services.TokenService, protected, bypassed []string, waitingRoomURL string, monitor *monitoring.Monitor) *EdgeFilter {
	return &EdgeFilter{
		tokens:            tokens,
		protectedPrefixes: protected,
		bypassedPrefixes:  bypassed,
		waitingRoomURL:    waitingRoomURL,
		monitor:           monitor,
	}
}

// Middleware intercepts every inbound request before protected routes.
func (f *EdgeFilter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path

			prefix, protected := f.classify(path)
			if !protected {
				return next(c)
			}

			token := f.extractToken(c)
			if token == "" {
				f.monitor.TrackTokenVerification("missing")
				return f.redirectToWaitingRoom(c, path, prefix)
			}

			claims, err := f.tokens.Verify(token)
			if err != nil {
				// Invalid is treated identically to missing.
				f.monitor.TrackTokenVerification("invalid")
				slog.Debug("edge token rejected", "path", path, "error", err)
				return f.redirectToWaitingRoom(c, path, prefix)
			}

			f.monitor.TrackTokenVerification("valid")
			c.Set(ContextIdentityKey, claims.Identity)
			c.Set(ContextEventKey, claims.Subject)

			return next(c)
		}
	}
}

// classify returns the matched protected prefix and whether the path is
// gated. Explicit bypasses win over protected rules.
func (f *EdgeFilter) classify(path string) (string, bool) {
	for _, prefix := range f.bypassedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return "", false
		}
	}
	for _, prefix := range f.protectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return prefix, true
		}
	}
	return "", false
}

// extractToken prefers the cookie and falls back to the header.
func (f *EdgeFilter) extractToken(c echo.Context) string {
	if cookie, err := c.Cookie(entryTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return c.Request().Header.Get(entryTokenHeader)
}

// redirectToWaitingRoom sends the client back to the waiting room entry
// page for the event implied by the path. The redirect must never be
// cached: an intermediate serving a stale redirect would bounce clients
// that have since been admitted.
func (f *EdgeFilter) redirectToWaitingRoom(c echo.Context, path, prefix string) error {
	target := f.waitingRoomURL
	if eventID := extractEventID(path, prefix); eventID != "" {
		target += "?event=" + url.QueryEscape(eventID)
	}

	h := c.Response().Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")

	return c.Redirect(http.StatusFound, target)
}

// extractEventID pulls a best-effort event identifier out of the path: the
// first segment after the protected prefix. Empty means the generic
// landing page.
func extractEventID(path, prefix string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
