package handler

import (
	"github.com/gin-gonic/gin"

	v1 "github.com/quka-ai/conhub/app/logic/v1"
	"github.com/quka-ai/conhub/app/response"
	"github.com/quka-ai/conhub/pkg/utils"
)

type StartSyncResponse struct {
	JobID string `json:"job_id"`
}

func (s *HttpSrv) StartSync(c *gin.Context) {
	var (
		err error
		req v1.StartSyncRequest
	)
	if err = utils.BindArgsWithGin(c, &req); err != nil {
		response.APIError(c, err)
		return
	}

	jobID, err := v1.NewSyncLogic(c, s.Core).StartSync(req)
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, StartSyncResponse{JobID: jobID})
}

func (s *HttpSrv) CancelSync(c *gin.Context) {
	if err := v1.NewSyncLogic(c, s.Core).Cancel(c.Param("job")); err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, nil)
}

func (s *HttpSrv) GetSyncStatus(c *gin.Context) {
	job, err := v1.NewSyncLogic(c, s.Core).Status(c.Param("job"))
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, job)
}

func (s *HttpSrv) ListActiveSyncs(c *gin.Context) {
	jobs, err := v1.NewSyncLogic(c, s.Core).ActiveJobs()
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, jobs)
}

func (s *HttpSrv) ListSyncHistory(c *gin.Context) {
	jobs, err := v1.NewSyncLogic(c, s.Core).History(c.Param("id"))
	if err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, jobs)
}

type WebhookRequest struct {
	Event string `json:"event" form:"event"`
}

// Webhook is called by the upstream dispatcher once it has verified the
// provider's signature.
func (s *HttpSrv) Webhook(c *gin.Context) {
	var (
		err error
		req WebhookRequest
	)
	if err = utils.BindArgsWithGin(c, &req); err != nil {
		response.APIError(c, err)
		return
	}
	if req.Event == "" {
		req.Event = "push"
	}

	if err = v1.NewSyncLogic(c, s.Core).Webhook(c.Param("account"), req.Event); err != nil {
		response.APIError(c, err)
		return
	}
	response.APISuccess(c, nil)
}
