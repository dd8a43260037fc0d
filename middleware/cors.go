package middleware

import (
	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// CORS 跨域配置，未设置允许来源时返回 nil
func CORS(config *conf.Cors) gin.HandlerFunc {
	origins := lo.Filter(config.AllowOrigins, func(o string, _ int) bool {
		return o != "" && o != "UNSET"
	})
	if len(origins) == 0 {
		return nil
	}

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     config.AllowMethods,
		AllowHeaders:     config.AllowHeaders,
		AllowCredentials: config.AllowCredentials,
		ExposeHeaders:    config.ExposeHeaders,
	})
}
