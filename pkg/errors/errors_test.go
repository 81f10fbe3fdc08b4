package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/assert"
)

func TestItemErrors(t *testing.T) {
	cause := stderrors.New("502 bad gateway")

	err := NewTransient("plone-6.0", cause)
	assert.Equal(t, ReasonTransient, Reason(err))
	assert.Equal(t, "plone-6.0", err.Metadata["id"])
	assert.ErrorIs(t, err, cause)

	err = NewTerminal("plone-6.0", cause)
	assert.Equal(t, ReasonTerminal, Reason(err))
	assert.Equal(t, int32(CodeUnprocessable), err.Code)

	err = NewRateLimited("plone-6.0", cause)
	assert.Equal(t, ReasonRateLimited, Reason(err))
	assert.Equal(t, int32(CodeTooManyRequests), err.Code)
	assert.True(t, stderrors.Is(err, ErrRateLimited))
	assert.Empty(t, ErrRateLimited.Metadata)
}

func TestIndexAndMigrationErrors(t *testing.T) {
	err := NewIndexUnavailable(stderrors.New("connection refused"))
	assert.True(t, IsIndexUnavailable(err))
	assert.True(t, IsIndexUnavailable(fmt.Errorf("flush: %w", err)))
	assert.False(t, IsMigrationAborted(err))

	err = NewMigrationAborted("plone", "plone-3", err)
	assert.True(t, IsMigrationAborted(err))
	assert.Equal(t, "plone-3", err.Metadata["generation"])

	w := NewIndexWrite("plone-6.0", "field too large")
	assert.Equal(t, ReasonIndexWrite, Reason(w))
	assert.Equal(t, "plone-6.0", w.Metadata["document_id"])
}

func TestInvalidProfile(t *testing.T) {
	err := NewInvalidProfile("flask", `profile "flask" not found`)
	assert.Equal(t, ReasonInvalidProfile, Reason(err))
	assert.True(t, kerrors.IsBadRequest(err))
	assert.Equal(t, "", Reason(stderrors.New("plain")))
}

func TestCollectionMissing(t *testing.T) {
	err := ErrCollectionMissing.WithMetadata(map[string]string{"collection": "plone-9"})
	assert.True(t, kerrors.IsNotFound(err))
	assert.Equal(t, ReasonCollectionMissing, Reason(err))
	assert.True(t, stderrors.Is(err, ErrCollectionMissing))
}
