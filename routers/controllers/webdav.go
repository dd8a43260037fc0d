package controllers

import (
	"github.com/cloudreve/davcore/application/dependency"
	"github.com/gin-gonic/gin"
)

// ServeWebDAV 处理WebDAV相关请求
func ServeWebDAV(c *gin.Context) {
	dependency.FromContext(c.Request.Context()).WebDAVHandler().Serve(c)
}
