package routers

import (
	"net/http"
	"strings"

	"github.com/cloudreve/davcore/application/dependency"
	"github.com/cloudreve/davcore/middleware"
	"github.com/cloudreve/davcore/pkg/util"
	"github.com/cloudreve/davcore/routers/controllers"
	"github.com/gin-gonic/gin"
)

// Methods 所有 WebDAV 路由方法
var Methods = []string{
	"OPTIONS", "GET", "HEAD", "POST", "PUT", "DELETE",
	"MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK", "PROPFIND", "PROPPATCH",
}

// InitRouter 初始化路由
func InitRouter(dep dependency.Dep) *gin.Engine {
	l := dep.Logger()
	l.Info("Current running mode: WebDAV.")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.InitializeHandling(dep), middleware.Logging())

	// 跨域相关
	if cors := middleware.CORS(dep.ConfigProvider().Cors()); cors != nil {
		l.Info("CORS enabled for origins %v.", dep.ConfigProvider().Cors().AllowOrigins)
		r.Use(cors)
	}

	prefix := util.SlashClean(dep.ConfigProvider().DAV().Prefix)
	if prefix != "/" {
		// 测试用路由，挂载在根目录时与通配路由冲突
		r.GET("/ping", controllers.Ping)
	}

	dav := r.Group(prefix)
	dav.Use(middleware.WebDAVAuth())
	for _, method := range Methods {
		dav.Handle(method, "/*path", controllers.ServeWebDAV)
	}

	// 其余方法交由 WebDAV 处理器应答 501
	r.NoRoute(underPrefix(prefix), middleware.WebDAVAuth(), controllers.ServeWebDAV)

	return r
}

// underPrefix 拒绝 WebDAV 前缀之外的未匹配请求
func underPrefix(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if prefix != "/" && c.Request.URL.Path != prefix && !strings.HasPrefix(c.Request.URL.Path, prefix+"/") {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		c.Next()
	}
}
