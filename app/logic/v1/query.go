package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/quka-ai/conhub/app/core"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

type QueryLogic struct {
	UserInfo
	ctx  context.Context
	core *core.Core
}

func NewQueryLogic(ctx context.Context, core *core.Core) *QueryLogic {
	return &QueryLogic{
		ctx:      ctx,
		core:     core,
		UserInfo: SetupUserInfo(ctx, core),
	}
}

type QueryRequest struct {
	Query     string             `json:"query" binding:"required"`
	Filters   types.QueryFilters `json:"filters"`
	Strategy  types.Strategy     `json:"strategy"`
	TopK      int                `json:"top_k"`
	TimeoutMS int64              `json:"timeout_ms"`
}

func (r QueryRequest) contextQuery(tenantID, userID string) types.ContextQuery {
	return types.ContextQuery{
		TenantID: tenantID,
		UserID:   userID,
		Query:    r.Query,
		Filters:  r.Filters,
		Strategy: r.Strategy,
		TopK:     r.TopK,
		Timeout:  time.Duration(r.TimeoutMS) * time.Millisecond,
	}
}

// Query answers within the caller's tenant only.
func (l *QueryLogic) Query(req QueryRequest) (*types.ContextResponse, error) {
	if err := l.Identified(); err != nil {
		return nil, err
	}
	resp, err := l.core.Decision().Query(l.ctx, req.contextQuery(l.TenantID(), l.UserID()))
	if err != nil {
		return nil, errors.Trace("QueryLogic.Query", err)
	}
	return resp, nil
}

// QueryRobot is Query restricted to the memory of one robot.
func (l *QueryLogic) QueryRobot(robotID string, req QueryRequest) (*types.ContextResponse, error) {
	if err := l.Identified(); err != nil {
		return nil, err
	}
	if robotID == "" {
		return nil, errors.NewKind("QueryLogic.QueryRobot", errors.KindInvalid, "robot id is required", nil)
	}
	if !l.GetUserInfo().CanQueryRobot(robotID) {
		return nil, errors.NewKind("QueryLogic.QueryRobot", errors.KindAuth, "robot is not accessible", nil).Code(http.StatusForbidden)
	}
	resp, err := l.core.Decision().QueryRobotMemory(l.ctx, robotID, req.contextQuery(l.TenantID(), l.UserID()))
	if err != nil {
		return nil, errors.Trace("QueryLogic.QueryRobot", err)
	}
	return resp, nil
}
