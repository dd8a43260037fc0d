package controllers

import (
	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/cloudreve/davcore/pkg/serializer"
	"github.com/gin-gonic/gin"
)

// Ping 状态检查页面
func Ping(c *gin.Context) {
	c.JSON(200, serializer.Response{
		Code: 0,
		Data: conf.BackendVersion + "-" + conf.LastCommit,
	})
}
