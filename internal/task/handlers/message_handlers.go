package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// MessageSubmitter is the orchestrator surface the message endpoint needs.
type MessageSubmitter interface {
	SubmitMessage(ctx context.Context, req *orchestrator.SubmitRequest) (*orchestrator.MessageReply, error)
}

// MessageHandlers serves the chat entry point.
type MessageHandlers struct {
	orchestrator MessageSubmitter
	logger       *logger.Logger
}

func NewMessageHandlers(orch MessageSubmitter, log *logger.Logger) *MessageHandlers {
	return &MessageHandlers{
		orchestrator: orch,
		logger:       log.WithFields(zap.String("component", "message-handlers")),
	}
}

// RegisterMessageRoutes mounts the chat entry point.
func RegisterMessageRoutes(router *gin.Engine, orch MessageSubmitter, log *logger.Logger) {
	h := NewMessageHandlers(orch, log)
	router.POST("/api/v1/messages", h.httpSubmitMessage)
}

// httpSubmitMessage runs one chat message through the orchestrator. A direct
// answer returns 200; an admitted background task returns 202 with the task
// id and the acknowledgement text.
func (h *MessageHandlers) httpSubmitMessage(c *gin.Context) {
	var req v1.SubmitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request: "+err.Error())
		return
	}

	priority, ok := models.ParsePriority(req.Priority)
	if !ok {
		respondBadRequest(c, "invalid priority: "+string(req.Priority))
		return
	}
	inputKind := req.InputKind
	if inputKind == "" {
		inputKind = v1.InputKindText
	}

	reply, err := h.orchestrator.SubmitMessage(c.Request.Context(), &orchestrator.SubmitRequest{
		UserID:    req.UserID,
		Content:   req.Content,
		InputKind: inputKind,
		Priority:  priority,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if reply.Kind == orchestrator.ReplyAccepted {
		c.JSON(http.StatusAccepted, v1.MessageResponse{
			Type:   v1.MessageTypeAccepted,
			TaskID: reply.TaskID,
			Reply:  reply.Text,
		})
		return
	}
	c.JSON(http.StatusOK, v1.MessageResponse{
		Type: v1.MessageTypeAnswer,
		Text: reply.Text,
	})
}
