package middleware

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cncvn/api/utils"
)

// SessionCookie is the name of the dashboard session cookie.
const SessionCookie = "jwt_token"

// Context keys set by AuthRequired.
const (
	ContextUserID = "user_id"
	ContextEmail  = "user_email"
	ContextRole   = "user_role"
)

// AuthRequired accepts the session cookie or a Bearer token. With roles
// given, the user must hold one of them. Browsers asking for HTML are
// redirected to loginPath instead of getting a JSON 401.
func AuthRequired(tokens *utils.TokenIssuer, loginPath string, log zerolog.Logger, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := c.Cookie(SessionCookie)
		if err != nil || tokenString == "" {
			tokenString = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if tokenString == "" {
			unauthenticated(c, loginPath, "Unauthorized: No token provided")
			return
		}

		claims, err := tokens.ValidateJWT(tokenString)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("rejected session token")
			unauthenticated(c, loginPath, "Unauthorized: Invalid or expired token")
			return
		}

		if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
			log.Warn().Int("user_id", claims.UserID).Str("role", claims.Role).Str("path", c.Request.URL.Path).Msg("forbidden")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden: insufficient role"})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextEmail, claims.Email)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

func unauthenticated(c *gin.Context, loginPath, msg string) {
	if loginPath != "" && c.Request.Method == http.MethodGet && wantsHTML(c.Request) {
		target := loginPath + "?next=" + url.QueryEscape(c.Request.URL.RequestURI())
		c.Redirect(http.StatusFound, target)
		c.Abort()
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
