package messages

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"inbox-service/internal/apierror"
	"inbox-service/internal/model"
	"inbox-service/internal/proxy"
	registryroute "inbox-service/internal/registry/route"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/security"
	"inbox-service/internal/service"
)

// HeaderIdempotencyKey deduplicates retried sends.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplayed marks a response that returns a previously accepted message.
const HeaderIdempotentReplayed = "Idempotent-Replayed"

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  110,
		Type:   registryroute.RouteTypeMain,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts the message routes under /v1 and at the root.
func MountRoutes(r *gin.Engine, deps *registryroute.Deps) error {
	for _, prefix := range []string{"/v1", ""} {
		g := r.Group(prefix, deps.Auth)
		g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
			sendMessage(c, deps.Ingest)
		})
		g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
			listMessages(c, deps.History)
		})
	}
	r.GET("/v1/conversations/:conversationId/messages/:messageId/attachment", deps.Auth, func(c *gin.Context) {
		downloadAttachment(c, deps.History, deps.Proxy)
	})
	return nil
}

type sendBody struct {
	Text           string  `json:"text"`
	AttachmentURL  *string `json:"attachmentUrl"`
	AttachmentName *string `json:"attachmentName"`
}

func sendMessage(c *gin.Context, ingest *service.Ingest) {
	p := security.GetPrincipal(c)
	convID, pair, err := service.ParseConversationRef(c.Param("conversationId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}

	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		if errors.Is(err, io.EOF) {
			err = &registrystore.ValidationError{Field: "body", Message: "request body is required"}
		} else {
			err = &registrystore.ValidationError{Field: "body", Message: "invalid JSON body"}
		}
		apierror.Write(c, err)
		return
	}

	req := service.SendRequest{
		ConversationID: convID,
		Pair:           pair,
		Body:           body.Text,
		AttachmentURL:  body.AttachmentURL,
		AttachmentName: body.AttachmentName,
	}
	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); key != "" {
		req.IdempotencyKey = &key
	}

	result, err := ingest.Send(c.Request.Context(), p, req)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.Header("Location", "/v1/conversations/"+result.Conversation.ID.String()+"/messages")
	if result.Replayed {
		c.Header(HeaderIdempotentReplayed, "true")
		c.JSON(http.StatusOK, result.Message)
		return
	}
	c.JSON(http.StatusCreated, result.Message)
}

func listMessages(c *gin.Context, history *service.History) {
	p := security.GetPrincipal(c)
	pageSize := 0
	if v := c.Query("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			apierror.Write(c, &registrystore.ValidationError{Field: "pageSize", Message: "pageSize must be an integer"})
			return
		}
		pageSize = n
	}
	id, err := history.Resolve(c.Request.Context(), p, c.Param("conversationId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	page, err := history.List(c.Request.Context(), p, id, c.Query("cursor"), pageSize)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []model.Message{}
	}
	c.JSON(http.StatusOK, page)
}

func downloadAttachment(c *gin.Context, history *service.History, px *proxy.Proxy) {
	p := security.GetPrincipal(c)
	id, err := history.Resolve(c.Request.Context(), p, c.Param("conversationId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		apierror.Write(c, &registrystore.NotFoundError{Resource: "message", ID: c.Param("messageId")})
		return
	}
	msg, err := history.Message(c.Request.Context(), p, id, messageID)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	if !msg.HasAttachment() {
		apierror.Write(c, &registrystore.NotFoundError{Resource: "attachment", ID: messageID.String()})
		return
	}
	name := ""
	if msg.AttachmentName != nil {
		name = *msg.AttachmentName
	}
	dl, err := px.Fetch(c.Request.Context(), *msg.AttachmentURL, name)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	proxy.Stream(c, dl)
}
