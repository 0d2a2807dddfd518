package requestid

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(t *testing.T, headers map[string]string) (string, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var seen string
	r := gin.New()
	r.Use(Middleware())
	r.GET("/", func(c *gin.Context) {
		seen = Value(c)
		c.Status(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return seen, w
}

func TestMiddlewareGeneratesID(t *testing.T) {
	id, w := serve(t, nil)
	assert.Len(t, id, 32)
	assert.Equal(t, id, w.Header().Get("X-Request-ID"))
}

func TestMiddlewareHonoursCorrelationHeader(t *testing.T) {
	id, _ := serve(t, map[string]string{"X-Correlation-ID": "upstream-7"})
	assert.Equal(t, "upstream-7", id)

	id, _ = serve(t, map[string]string{"X-Request-ID": "req-1", "X-Correlation-ID": "upstream-7"})
	assert.Equal(t, "req-1", id)
}
