package response

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quka-ai/conhub/pkg/errors"
)

const (
	RequestIDKey    = "request_id"
	ResponseKey     = "response_key"
	RequestIDHeader = "X-Request-ID"
)

type EmptyStruct struct {
}

type Response struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type Meta struct {
	Code      int    `json:"code"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// NewResponse assigns the request id, honouring one forwarded by a proxy.
func NewResponse() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Set(ResponseKey, &Response{
			Meta: Meta{
				RequestID: requestID,
			},
		})
	}
}

func RequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

func current(c *gin.Context) *Response {
	if v, ok := c.Get(ResponseKey); ok {
		if res, ok := v.(*Response); ok {
			return res
		}
	}
	return &Response{Meta: Meta{RequestID: RequestID(c)}}
}

// StatusOf maps an error to its http status through its kind.
func StatusOf(err error) int {
	var ce *errors.CustomizedError
	if errors.As(err, &ce) && ce.GetCode() != 0 {
		return ce.GetCode()
	}
	return errors.StatusOf(errors.KindOf(err))
}

func APIError(c *gin.Context, err error) {
	c.Abort()
	res := current(c)
	status := StatusOf(err)
	kind := errors.KindOf(err)

	res.Meta.Code = status
	res.Meta.Kind = string(kind)
	res.Meta.Message = errors.MessageOf(err)
	if kind == errors.KindInternal || kind == errors.KindDataIntegrity {
		// causes of internal failures stay in the logs
		res.Meta.Message = http.StatusText(status)
	}

	c.JSON(status, res)
	printErrorLog(c, res, err)
}

func APISuccess(c *gin.Context, data any) {
	c.Abort()
	res := current(c)
	res.Meta.Code = http.StatusOK
	if data != nil {
		res.Data = data
	}
	c.JSON(http.StatusOK, res)
	printSuccessLog(c)
}

func printErrorLog(c *gin.Context, res *Response, err error) {
	attrs := []any{
		slog.String("request_id", res.Meta.RequestID),
		slog.String("request_uri", c.Request.URL.Path),
		slog.String("method", c.Request.Method),
		slog.Int("code", res.Meta.Code),
		slog.String("kind", res.Meta.Kind),
		slog.String("error", err.Error()),
	}
	if tenant := c.GetString("tenant_id"); tenant != "" {
		attrs = append(attrs, slog.String("tenant_id", tenant))
	}
	if res.Meta.Code >= http.StatusInternalServerError {
		slog.Error("response error", attrs...)
		return
	}
	slog.Warn("response error", attrs...)
}

func printSuccessLog(c *gin.Context) {
	attrs := []any{
		slog.String("request_id", RequestID(c)),
		slog.String("request_uri", c.Request.URL.Path),
		slog.String("method", c.Request.Method),
		slog.Int64("end_time", time.Now().Unix()),
	}
	if tenant := c.GetString("tenant_id"); tenant != "" {
		attrs = append(attrs, slog.String("tenant_id", tenant))
	}
	slog.Info("request success", attrs...)
}
