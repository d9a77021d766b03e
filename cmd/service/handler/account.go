package handler

import (
	"github.com/gin-gonic/gin"

	v1 "github.com/quka-ai/conhub/app/logic/v1"
	"github.com/quka-ai/conhub/app/response"
	"github.com/quka-ai/conhub/pkg/utils"
)

func (s *HttpSrv) ConnectAccount(c *gin.Context) {
	var (
		err error
		req v1.ConnectAccountRequest
	)
	if err = utils.BindArgsWithGin(c, &req); err != nil {
		response.APIError(c, err)
		return
	}

	account, err := v1.NewAccountLogic(c, s.Core).ConnectAccount(req)
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, account)
}

func (s *HttpSrv) ListAccounts(c *gin.Context) {
	list, err := v1.NewAccountLogic(c, s.Core).ListAccounts()
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, list)
}

func (s *HttpSrv) GetAccount(c *gin.Context) {
	account, err := v1.NewAccountLogic(c, s.Core).GetAccount(c.Param("id"))
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, account)
}

func (s *HttpSrv) AddSource(c *gin.Context) {
	var (
		err error
		req v1.AddSourceRequest
	)
	if err = utils.BindArgsWithGin(c, &req); err != nil {
		response.APIError(c, err)
		return
	}

	src, err := v1.NewAccountLogic(c, s.Core).AddSource(c.Param("id"), req)
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, src)
}

func (s *HttpSrv) DisconnectAccount(c *gin.Context) {
	if err := v1.NewAccountLogic(c, s.Core).Disconnect(c.Param("id")); err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, nil)
}
