package auth

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mail-mirror/internal/api"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

const contextUserKey = "auth.user"

// Middleware verifies the session token and loads the user for the request.
// Signature checks are local; the store round trip is what enforces the
// active flag on every request.
func Middleware(sessions *SessionIssuer, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := sessions.FromRequest(c.Request)
		if err != nil {
			api.AbortUnauthorized(c, "missing or invalid session token")
			return
		}

		user, err := st.GetUserByID(c.Request.Context(), sess.UserID)
		if errors.Is(err, store.ErrNotFound) {
			api.AbortUnauthorized(c, "unknown user")
			return
		}
		if err != nil {
			api.Fail(c, err)
			c.Abort()
			return
		}
		if !user.IsActive {
			api.AbortUnauthorized(c, "account is deactivated")
			return
		}

		c.Set(contextUserKey, user)
		c.Next()
	}
}

// UserFrom returns the authenticated user set by Middleware.
func UserFrom(c *gin.Context) *store.User {
	u, _ := c.Get(contextUserKey)
	user, _ := u.(*store.User)
	return user
}
