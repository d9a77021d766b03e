package handler

import (
	"github.com/gin-gonic/gin"

	v1 "github.com/quka-ai/conhub/app/logic/v1"
	"github.com/quka-ai/conhub/app/response"
	"github.com/quka-ai/conhub/pkg/utils"
)

func (s *HttpSrv) Query(c *gin.Context) {
	var (
		err error
		req v1.QueryRequest
	)
	if err = utils.BindArgsWithGin(c, &req); err != nil {
		response.APIError(c, err)
		return
	}

	resp, err := v1.NewQueryLogic(c, s.Core).Query(req)
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, resp)
}

func (s *HttpSrv) QueryRobot(c *gin.Context) {
	var (
		err error
		req v1.QueryRequest
	)
	if err = utils.BindArgsWithGin(c, &req); err != nil {
		response.APIError(c, err)
		return
	}

	resp, err := v1.NewQueryLogic(c, s.Core).QueryRobot(c.Param("robot"), req)
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, resp)
}
