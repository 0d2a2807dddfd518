package errors

import (
	"database/sql"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrorKeepsTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("verdict: %w", Clone(ErrAlreadyReviewed, "submission already reviewed"))

	appErr := FromError(wrapped)
	assert.Equal(t, http.StatusConflict, appErr.Status)
	assert.Equal(t, "ALREADY_REVIEWED", appErr.Code)
	assert.True(t, Is(wrapped, ErrAlreadyReviewed))
	assert.False(t, Is(wrapped, ErrNotFound))
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	appErr := FromError(sql.ErrConnDone)
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	assert.ErrorIs(t, appErr, sql.ErrConnDone)
	assert.Nil(t, FromError(nil))
}
