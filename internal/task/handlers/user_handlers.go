package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// UserLister is the task manager's user directory.
type UserLister interface {
	Users(ctx context.Context) ([]*models.User, error)
}

// UserHandlers serves the user directory read.
type UserHandlers struct {
	users  UserLister
	logger *logger.Logger
}

func NewUserHandlers(users UserLister, log *logger.Logger) *UserHandlers {
	return &UserHandlers{
		users:  users,
		logger: log.WithFields(zap.String("component", "user-handlers")),
	}
}

// RegisterUserRoutes mounts the user endpoints on the API group.
func RegisterUserRoutes(router *gin.Engine, users UserLister, log *logger.Logger) {
	h := NewUserHandlers(users, log)
	router.GET("/api/v1/users", h.httpListUsers)
}

func (h *UserHandlers) httpListUsers(c *gin.Context) {
	users, err := h.users.Users(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]v1.User, 0, len(users))
	for _, user := range users {
		out = append(out, *user.ToAPI())
	}
	c.JSON(http.StatusOK, v1.ListUsersResponse{Users: out, Total: len(out)})
}
