package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
)

type staticValidator struct {
	claims *models.JWTClaims
	err    error
	seen   string
}

func (v *staticValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	v.seen = token
	return v.claims, v.err
}

type recordingObserver struct {
	mu    sync.Mutex
	paths []string
	codes []int
}

func (o *recordingObserver) ObserveHTTPRequest(method, path string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paths = append(o.paths, method+" "+path)
	o.codes = append(o.codes, status)
}

func serve(r *gin.Engine, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAttachesClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := &staticValidator{claims: &models.JWTClaims{UserID: "u-1", Role: models.RoleReviewer}}
	r := gin.New()
	r.GET("/me", JWT(validator), func(c *gin.Context) {
		c.String(http.StatusOK, Claims(c).UserID)
	})

	w := serve(r, http.MethodGet, "/me", "Bearer abc.def")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-1", w.Body.String())
	assert.Equal(t, "abc.def", validator.seen)
}

func TestJWTRejectsMissingOrInvalidTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := &staticValidator{err: appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")}
	r := gin.New()
	r.GET("/me", JWT(validator), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", "Basic dXNlcg==").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", "Bearer forged").Code)
}

func TestRequireRoles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if role := c.GetHeader("X-Role"); role != "" {
			c.Set(ContextUserKey, &models.JWTClaims{UserID: "u-1", Role: models.UserRole(role)})
		}
		c.Next()
	})
	r.GET("/qa", RequireRoles(models.RoleReviewer, models.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(role string) int {
		req := httptest.NewRequest(http.MethodGet, "/qa", nil)
		if role != "" {
			req.Header.Set("X-Role", role)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do("REVIEWER"))
	assert.Equal(t, http.StatusOK, do("ADMIN"))
	assert.Equal(t, http.StatusForbidden, do("MEMBER"))
	assert.Equal(t, http.StatusUnauthorized, do(""))
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	obs := &recordingObserver{}
	r := gin.New()
	r.Use(Metrics(obs))
	r.GET("/requests/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(r, http.MethodGet, "/requests/req-42", "")
	serve(r, http.MethodGet, "/nowhere", "")

	assert.Equal(t, []string{"GET /requests/:id", "GET unmatched"}, obs.paths)
	assert.Equal(t, []int{http.StatusOK, http.StatusNotFound}, obs.codes)
}

func TestAuditLogsOnlySuccessfulActions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
		c.Next()
	})
	r.POST("/ok", Audit(zap.New(core), "dead_letter.replay"), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	r.POST("/fail", Audit(zap.New(core), "dead_letter.replay"), func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(http.StatusNotFound)
	})

	serve(r, http.MethodPost, "/ok", "")
	serve(r, http.MethodPost, "/fail", "")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "dead_letter.replay", fields["action"])
	assert.Equal(t, "admin-1", fields["actor_id"])
	assert.Equal(t, "/ok", fields["path"])
}
