package download

import (
	"github.com/gin-gonic/gin"
	"inbox-service/internal/apierror"
	"inbox-service/internal/proxy"
	registryroute "inbox-service/internal/registry/route"
	registrystore "inbox-service/internal/registry/store"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  120,
		Type:   registryroute.RouteTypeMain,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts the attachment relay at /download and /v1/download.
func MountRoutes(r *gin.Engine, deps *registryroute.Deps) error {
	handler := func(c *gin.Context) {
		download(c, deps.Proxy)
	}
	r.GET("/download", deps.Auth, handler)
	r.GET("/v1/download", deps.Auth, handler)
	return nil
}

func download(c *gin.Context, px *proxy.Proxy) {
	rawURL := c.Query("url")
	if rawURL == "" {
		apierror.WriteText(c, &registrystore.ValidationError{Field: "url", Message: "url is required"})
		return
	}
	dl, err := px.Fetch(c.Request.Context(), rawURL, c.Query("name"))
	if err != nil {
		apierror.WriteText(c, err)
		return
	}
	proxy.Stream(c, dl)
}
