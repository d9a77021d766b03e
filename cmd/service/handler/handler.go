package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/quka-ai/conhub/app/core"
)

// HttpSrv binds the API handlers to the application core.
type HttpSrv struct {
	Core   *core.Core
	Engine *gin.Engine
}
