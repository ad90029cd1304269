package proxy

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stream relays dl to the client and closes its body. The origin's length is
// forwarded when known; otherwise the response is chunked.
func Stream(c *gin.Context, dl *Download) {
	defer dl.Body.Close()
	headers := map[string]string{
		"Content-Disposition":    dl.ContentDisposition,
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "private, no-store",
	}
	length := dl.ContentLength
	if length < 0 {
		length = -1
	}
	c.DataFromReader(http.StatusOK, length, dl.ContentType, dl.Body, headers)
}
