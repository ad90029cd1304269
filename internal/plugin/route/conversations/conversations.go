package conversations

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"inbox-service/internal/apierror"
	registryroute "inbox-service/internal/registry/route"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/security"
	"inbox-service/internal/service"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  100,
		Type:   registryroute.RouteTypeMain,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts the conversation summary and read-state routes.
func MountRoutes(r *gin.Engine, deps *registryroute.Deps) error {
	g := r.Group("/v1", deps.Auth)

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, deps.History)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, deps.History)
	})
	g.POST("/conversations/:conversationId/read", func(c *gin.Context) {
		markRead(c, deps.History)
	})
	return nil
}

func listConversations(c *gin.Context, history *service.History) {
	pageSize, err := queryInt(c, "pageSize")
	if err != nil {
		apierror.Write(c, err)
		return
	}
	page, err := history.Conversations(c.Request.Context(), security.GetPrincipal(c), c.Query("cursor"), pageSize)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func getConversation(c *gin.Context, history *service.History) {
	p := security.GetPrincipal(c)
	id, err := history.Resolve(c.Request.Context(), p, c.Param("conversationId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	summary, err := history.Conversation(c.Request.Context(), p, id)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func markRead(c *gin.Context, history *service.History) {
	p := security.GetPrincipal(c)
	var req struct {
		UptoMessageID string `json:"uptoMessageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, &registrystore.ValidationError{Field: "body", Message: "invalid JSON body"})
		return
	}
	messageID, err := uuid.Parse(req.UptoMessageID)
	if err != nil {
		apierror.Write(c, &registrystore.ValidationError{Field: "uptoMessageId", Message: "uptoMessageId must be a message id"})
		return
	}
	id, err := history.Resolve(c.Request.Context(), p, c.Param("conversationId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	state, err := history.MarkRead(c.Request.Context(), p, id, messageID)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &registrystore.ValidationError{Field: key, Message: key + " must be an integer"}
	}
	return i, nil
}
