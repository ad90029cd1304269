package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deadlineRouter(timeout time.Duration, remaining *time.Duration) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestDeadlineMiddleware(timeout))
	r.GET("/", func(c *gin.Context) {
		if deadline, ok := c.Request.Context().Deadline(); ok {
			*remaining = time.Until(deadline)
		} else {
			*remaining = -1
		}
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestRequestDeadlineMiddleware(t *testing.T) {
	var remaining time.Duration
	r := deadlineRouter(10*time.Second, &remaining)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.InDelta(t, float64(10*time.Second), float64(remaining), float64(time.Second))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestTimeout, "2s")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.LessOrEqual(t, remaining, 2*time.Second)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestTimeout, "1h")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.LessOrEqual(t, remaining, 10*time.Second, "a client cannot extend the server deadline")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestTimeout, "soon")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestDeadlineDisabled(t *testing.T) {
	var remaining time.Duration
	r := deadlineRouter(0, &remaining)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, time.Duration(-1), remaining)
}
