package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	apperrors "github.com/meridianos/meridian/pkg/errors"
	"github.com/meridianos/meridian/pkg/response"
)

// AdminKeyHeader carries the shared admin key on operator endpoints.
const AdminKeyHeader = "X-Admin-Key"

// AdminKey guards operator endpoints with a shared key compared in constant
// time. An empty configured key disables the surface entirely rather than
// leaving it open.
func AdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}

		provided := c.GetHeader(AdminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Next()
	}
}
