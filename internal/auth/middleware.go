package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityKey = "genflow.identity"

// Middleware 校验 Authorization 头并把身份放入上下文。
// a 为空时信任 X-Requester-ID / X-Roles 请求头，只用于本地开发
func Middleware(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			id  *Identity
			err error
		)
		if a == nil {
			id = headerIdentity(c)
			if id == nil {
				err = errMissingRequester
			}
		} else {
			id, err = a.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": err.Error()})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireRole 要求当前身份拥有角色
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !FromContext(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "forbidden", "message": "role " + role + " required"})
			return
		}
		c.Next()
	}
}

// FromContext 取当前身份，未认证时为 nil
func FromContext(c *gin.Context) *Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*Identity)
	return id
}

func headerIdentity(c *gin.Context) *Identity {
	requester := strings.TrimSpace(c.GetHeader("X-Requester-ID"))
	if requester == "" {
		return nil
	}
	var roles []string
	for _, r := range strings.Split(c.GetHeader("X-Roles"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return &Identity{RequesterID: requester, Roles: roles}
}

type authError string

func (e authError) Error() string { return string(e) }

const errMissingRequester = authError("missing X-Requester-ID header")
