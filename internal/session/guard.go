package session

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Page paths the guard knows about.
const (
	PathLogin      = "/login"
	PathOAuthError = "/oauth-error"
	PathSetupGuide = "/setup-guide"
	PathDashboard  = "/dashboard"
)

var publicPaths = map[string]bool{
	PathLogin:      true,
	PathOAuthError: true,
	PathSetupGuide: true,
}

// NormalizePath strips trailing slashes, keeping "/" as is.
func NormalizePath(p string) string {
	if p == "/" || p == "" {
		return "/"
	}
	if t := strings.TrimRight(p, "/"); t != "" {
		return t
	}
	return "/"
}

// IsPublic reports whether path is reachable while signed out.
func IsPublic(path string) bool {
	return publicPaths[NormalizePath(path)]
}

// Decision is what to do with a page request.
type Decision struct {
	// Wait means the session is still loading and nothing should render yet.
	Wait bool
	// Redirect is the path to send the browser to, if any.
	Redirect string
}

// Allowed reports whether the page may render.
func (d Decision) Allowed() bool { return !d.Wait && d.Redirect == "" }

// Guard decides access to path. Signed-out users are sent to the login page
// from private paths; signed-in users are sent to the dashboard from public
// paths, except the setup guide which stays reachable after sign-in.
func Guard(path string, user *User, loading bool) Decision {
	if loading {
		return Decision{Wait: true}
	}
	p := NormalizePath(path)
	public := publicPaths[p]
	switch {
	case user == nil && !public:
		return Decision{Redirect: PathLogin}
	case user != nil && public && p != PathSetupGuide:
		return Decision{Redirect: PathDashboard}
	}
	return Decision{}
}

// Decide applies Guard to the provider's current state.
func Decide(p Provider, path string) Decision {
	if p.Loading() {
		return Decision{Wait: true}
	}
	return Guard(path, p.User(), false)
}

// Middleware guards page routes. While the session loads it answers 503
// with Retry-After so the browser tries again shortly.
func Middleware(p Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := Decide(p, c.Request.URL.Path)
		switch {
		case d.Wait:
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "verifying identity"})
		case d.Redirect != "":
			c.Redirect(http.StatusFound, d.Redirect)
			c.Abort()
		default:
			c.Next()
		}
	}
}
