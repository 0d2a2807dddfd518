package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
)

func createRequest(t *testing.T, p *pipeline, actor *models.JWTClaims, company, priority string) *models.DataRequest {
	t.Helper()
	request, err := p.requestSvc.Create(context.Background(), dto.CreateDataRequest{
		CompanyID:       company,
		DataType:        "sfdr",
		ReportingPeriod: "2024",
		Priority:        priority,
		MemberComment:   "needed for portfolio review",
	}, actor)
	require.NoError(t, err)
	return request
}

func TestRequestServiceCreateDefaultsAndDuplicates(t *testing.T) {
	p := newPipeline(t)
	request := createRequest(t, p, member, "C1", "")

	assert.Equal(t, models.PriorityLow, request.Priority)
	assert.Equal(t, models.RequestStateOpen, request.State)
	assert.Equal(t, "needed for portfolio review", derefString(request.MemberComment))
	require.NotNil(t, request.SourcingRef)

	_, err := p.requestSvc.Create(context.Background(), dto.CreateDataRequest{CompanyID: "C1", DataType: "sfdr", ReportingPeriod: "2024"}, member)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	_, err = p.requestSvc.Create(context.Background(), dto.CreateDataRequest{CompanyID: "C1", DataType: "sfdr", ReportingPeriod: "2024", Priority: "Urgent"}, other)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestRequestServiceCreateRaisesSourcingPriority(t *testing.T) {
	p := newPipeline(t)
	first := createRequest(t, p, member, "C1", "Low")
	createRequest(t, p, other, "C1", "High")

	sourcing, err := p.sourcings.GetByID(context.Background(), *first.SourcingRef)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, sourcing.Priority)
}

func TestRequestServiceCreateJoinsInProgressSourcing(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	first := createRequest(t, p, member, "C1", "")
	state := string(models.SourcingStateDocumentSourcing)
	_, err := p.sourcingSvc.Patch(ctx, *first.SourcingRef, dto.PatchDataSourcingRequest{State: &state}, "admin-1")
	require.NoError(t, err)

	second := createRequest(t, p, other, "C1", "")
	assert.Equal(t, models.RequestStateProcessing, second.State)
}

func TestRequestServiceOwnershipRules(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	request := createRequest(t, p, member, "C1", "")

	_, err := p.requestSvc.Get(ctx, request.ID, other)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = p.requestSvc.PatchState(ctx, request.ID, dto.PatchRequestStateRequest{State: "Processing"}, member)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = p.requestSvc.Withdraw(ctx, request.ID, other)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = p.requestSvc.Get(ctx, "missing", admin)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestRequestServiceRejectsIllegalTransitions(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	request := createRequest(t, p, member, "C1", "")

	_, err := p.requestSvc.PatchState(ctx, request.ID, dto.PatchRequestStateRequest{State: "Rejected"}, admin)
	require.NoError(t, err)

	_, err = p.requestSvc.Resubmit(ctx, request.ID, member)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))

	_, err = p.requestSvc.Withdraw(ctx, request.ID, member)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))

	history, err := p.requestSvc.History(ctx, request.ID, admin)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRequestServiceHistoryTimestampsStrictlyIncrease(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.requestSvc.now = func() time.Time { return frozen }

	request := createRequest(t, p, member, "C1", "")
	for _, comment := range []string{"first", "second", "third"} {
		_, err := p.requestSvc.UpdateComment(ctx, request.ID, dto.UpdateRequestCommentRequest{Comment: comment}, member)
		require.NoError(t, err)
	}
	_, err := p.requestSvc.UpdateComment(ctx, request.ID, dto.UpdateRequestCommentRequest{Comment: "admin note"}, admin)
	require.NoError(t, err)

	history, err := p.requestSvc.History(ctx, request.ID, member)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].LastModifiedTimestamp.After(history[i-1].LastModifiedTimestamp), "entry %d", i)
	}
	last := history[len(history)-1]
	assert.Equal(t, "third", derefString(last.MemberComment))
	assert.Equal(t, "admin note", derefString(last.AdminComment))
	assert.Equal(t, "admin-1", last.Actor)
}

func TestRequestServiceListScopesMembers(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	createRequest(t, p, member, "C1", "Low")
	createRequest(t, p, other, "C2", "High")
	createRequest(t, p, member, "C3", "Medium")

	mine, page, err := p.requestSvc.List(ctx, dto.DataRequestQuery{UserID: "member-2"}, member)
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	for _, request := range mine {
		assert.Equal(t, "member-1", request.UserID)
	}

	all, _, err := p.requestSvc.List(ctx, dto.DataRequestQuery{}, admin)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"C2", "C3", "C1"}, []string{all[0].CompanyID, all[1].CompanyID, all[2].CompanyID})

	_, _, err = p.requestSvc.List(ctx, dto.DataRequestQuery{States: []string{"Lost"}}, admin)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestRequestServiceExportHistory(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	request := createRequest(t, p, member, "C1", "")

	csv, err := p.requestSvc.ExportHistory(ctx, request.ID, "", member)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", csv.ContentType)
	assert.Equal(t, "request-"+request.ID+"-history.csv", csv.Filename)
	assert.Contains(t, string(csv.Data), "Timestamp,State,Actor")
	assert.Contains(t, string(csv.Data), "Open")

	pdf, err := p.requestSvc.ExportHistory(ctx, request.ID, "PDF", admin)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", pdf.ContentType)
	assert.True(t, bytes.HasPrefix(pdf.Data, []byte("%PDF")))

	_, err = p.requestSvc.ExportHistory(ctx, request.ID, "xlsx", admin)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}
