package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
)

type deadLetterServiceMock struct {
	letters   []models.DeadLetter
	replay    *dto.ReplayResponse
	err       error
	lastQuery dto.DeadLetterQuery
	lastActor string
}

func (m *deadLetterServiceMock) List(ctx context.Context, query dto.DeadLetterQuery) ([]models.DeadLetter, *models.Pagination, error) {
	m.lastQuery = query
	return m.letters, &models.Pagination{Page: 1, PageSize: 20, TotalCount: len(m.letters)}, m.err
}

func (m *deadLetterServiceMock) Replay(ctx context.Context, id, actorID string) (*dto.ReplayResponse, error) {
	m.lastActor = actorID
	return m.replay, m.err
}

var operator = &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}

func TestDeadLetterHandlerList(t *testing.T) {
	svc := &deadLetterServiceMock{letters: []models.DeadLetter{{ID: "dl-1", Queue: "qa-service.uploadedData"}}}
	h := NewDeadLetterHandler(svc)

	c, w := newTestContext(http.MethodGet, "/admin/dead-letters?queue=qa-service.uploadedData&notReplayed=true", "", operator)
	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "qa-service.uploadedData", svc.lastQuery.Queue)
	assert.True(t, svc.lastQuery.NotReplayed)
}

func TestDeadLetterHandlerReplay(t *testing.T) {
	svc := &deadLetterServiceMock{replay: &dto.ReplayResponse{DeadLetterID: "dl-1", OutboxMessageID: "out-1", ReplayCount: 1}}
	h := NewDeadLetterHandler(svc)

	c, w := newTestContext(http.MethodPost, "/admin/dead-letters/dl-1/replay", "", operator)
	c.Params = gin.Params{{Key: "id", Value: "dl-1"}}
	h.Replay(c)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "admin-1", svc.lastActor)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "out-1", data["outboxMessageId"])

	svc.err = appErrors.Clone(appErrors.ErrNotFound, "dead letter not found")
	c, w = newTestContext(http.MethodPost, "/admin/dead-letters/dl-9/replay", "", operator)
	c.Params = gin.Params{{Key: "id", Value: "dl-9"}}
	h.Replay(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
