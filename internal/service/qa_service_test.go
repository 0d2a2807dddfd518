package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
	"github.com/noah-isme/esg-pipeline/pkg/storage"
)

func uploadDataPoint(t *testing.T, p *pipeline, company string, initialQa *dto.InitialQaRequest) *models.Submission {
	t.Helper()
	sub, err := p.uploads.Submit(context.Background(), dto.UploadRequest{
		Kind:            models.SubmissionKindDataPoint,
		CompanyID:       company,
		DataType:        "extendedDecimalScope1",
		ReportingPeriod: "2023",
		Data:            json.RawMessage(`{"value":"1.5"}`),
		InitialQa:       initialQa,
	}, "uploader-1")
	require.NoError(t, err)
	return sub
}

func TestQAServiceListQueuePagesWithCursor(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	var ids []string
	for _, company := range []string{"C1", "C2", "C3", "C4", "C5"} {
		ids = append(ids, p.upload(models.SubmissionKindDataset, company, "sfdr", "2023", false).ID)
	}
	p.drain()

	var seen []string
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		resp, err := p.qa.ListQueue(ctx, dto.QaQueueQuery{ChunkSize: 2, Cursor: cursor})
		require.NoError(t, err)
		assert.Equal(t, 5, resp.TotalCount)
		for _, item := range resp.Items {
			seen = append(seen, item.SubmissionID)
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	assert.Equal(t, ids, seen)
}

func TestQAServiceListQueueFilters(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.upload(models.SubmissionKindDataset, "C1", "sfdr", "2023", false)
	target := p.upload(models.SubmissionKindDataset, "C2", "lksg", "2023", false)
	p.drain()

	resp, err := p.qa.ListQueue(ctx, dto.QaQueueQuery{CompanyIDs: []string{"C2"}, DataTypes: []string{"lksg"}})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, target.ID, resp.Items[0].SubmissionID)

	_, err = p.qa.ListQueue(ctx, dto.QaQueueQuery{QaStatuses: []string{"Maybe"}})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = p.qa.ListQueue(ctx, dto.QaQueueQuery{Cursor: "not-a-cursor"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestQAServiceDecoratesItemsWithPayloadLinks(t *testing.T) {
	p := newPipeline(t)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	WithPayloadLinks(signer, "/api/v1")(p.qa)
	sub := p.upload(models.SubmissionKindDataset, "C1", "sfdr", "2023", false)
	p.drain()

	resp, err := p.qa.ListQueue(context.Background(), dto.QaQueueQuery{})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	item := resp.Items[0]
	require.True(t, strings.HasPrefix(item.PayloadURL, "/api/v1/payloads/"))
	require.NotNil(t, item.PayloadExpiresAt)

	payload, err := signer.Parse(strings.TrimPrefix(item.PayloadURL, "/api/v1/payloads/"))
	require.NoError(t, err)
	assert.Equal(t, sub.ID, payload.SubmissionID)
	assert.Equal(t, sub.PayloadRef, payload.Key)
}

func TestQAServiceInitialQaPresets(t *testing.T) {
	p := newPipeline(t)

	accepted := uploadDataPoint(t, p, "C1", &dto.InitialQaRequest{Kind: "preset", QaStatus: "Accepted", Comment: "trusted source"})
	rejected := uploadDataPoint(t, p, "C2", &dto.InitialQaRequest{QaStatus: "Rejected"})
	pending := uploadDataPoint(t, p, "C3", nil)
	p.drain()

	acc := p.submission(accepted.ID)
	assert.Equal(t, models.SubmissionStateStored, acc.State)
	assert.Equal(t, models.ReviewerInitialQa, derefString(acc.ReviewedBy))
	assert.Equal(t, "trusted source", derefString(acc.QaComment))
	assert.Equal(t, models.SubmissionStateRejected, p.submission(rejected.ID).State)
	assert.Equal(t, models.SubmissionStatePendingQa, p.submission(pending.ID).State)
	assert.Equal(t, 1, p.reviews.pendingFor(pending.ID))
	assert.Equal(t, 0, p.reviews.pendingFor(accepted.ID))
}

func TestQAServiceInitialQaCopiesDatasetVerdict(t *testing.T) {
	p := newPipeline(t)

	dataset := p.upload(models.SubmissionKindDataset, "C1", "sfdr", "2023", false)
	p.drain()
	p.accept(dataset.ID)
	p.drain()

	copied := uploadDataPoint(t, p, "C1", &dto.InitialQaRequest{Kind: "copyFromDataset", DatasetID: dataset.ID})
	unknown := uploadDataPoint(t, p, "C2", &dto.InitialQaRequest{Kind: "copyFromDataset", DatasetID: "missing"})
	p.drain()

	sub := p.submission(copied.ID)
	assert.Equal(t, models.SubmissionStateStored, sub.State)
	assert.Contains(t, derefString(sub.QaComment), dataset.ID)
	assert.Equal(t, models.SubmissionStatePendingQa, p.submission(unknown.ID).State)
	assert.Equal(t, 1, p.reviews.pendingFor(unknown.ID))
}

func TestQAServiceRecordVerdictValidation(t *testing.T) {
	p := newPipeline(t)
	_, err := p.qa.RecordVerdict(context.Background(), "sub-1", dto.VerdictRequest{Verdict: "Maybe"}, "reviewer-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestQueueCursorRoundTrip(t *testing.T) {
	in := models.QaQueueCursor{
		EnqueueTimestamp: time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
		CompanyID:        "C1",
		SubmissionID:     "sub-1",
	}
	out, err := DecodeQueueCursor(EncodeQueueCursor(in))
	require.NoError(t, err)
	assert.True(t, in.EnqueueTimestamp.Equal(out.EnqueueTimestamp))
	assert.Equal(t, in.SubmissionID, out.SubmissionID)

	empty, err := DecodeQueueCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}
