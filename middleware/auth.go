package middleware

import (
	"fmt"
	"net/http"

	"github.com/cloudreve/davcore/application/dependency"
	"github.com/cloudreve/davcore/pkg/filesystem"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/serializer"
	"github.com/cloudreve/davcore/pkg/util"
	"github.com/gin-gonic/gin"
)

// WebDAVAuth 验证WebDAV登录及权限
func WebDAVAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		dep := dependency.FromContext(c.Request.Context())
		config := dep.ConfigProvider().DAV()

		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Writer.Header()["WWW-Authenticate"] = []string{fmt.Sprintf(`Basic realm="%s"`, config.Realm)}
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		// 无法建立会话时一律拒绝
		s, err := dep.Repository().Login(c.Request.Context(), username, password, config.Site, config.Stage)
		if err != nil {
			l := logging.FromContext(c.Request.Context())
			if serializer.CodeOf(err) == serializer.CodeCredentialInvalid {
				l.Debug("WebDAV login failed for %q: %s", username, err)
			} else {
				l.Warning("Failed to open WebDAV session for %q: %s", username, err)
			}
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		util.WithValue(c, filesystem.SessionCtx{}, s)
		c.Next()
	}
}
