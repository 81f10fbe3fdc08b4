package errors

import (
	"github.com/go-kratos/kratos/v2/errors"
)

// HTTP codes used by pipeline errors
const (
	CodeConflict        = 409
	CodeUnprocessable   = 422
	CodeTooManyRequests = 429
	CodeBadGateway      = 502
)

// Pipeline error reasons
const (
	ReasonTransient         = "TRANSIENT_ERROR"
	ReasonTerminal          = "TERMINAL_ERROR"
	ReasonRateLimited       = "RATE_LIMITED"
	ReasonIndexWrite        = "INDEX_WRITE_FAILED"
	ReasonIndexUnavailable  = "INDEX_UNAVAILABLE"
	ReasonMigrationAborted  = "MIGRATION_ABORTED"
	ReasonAliasNotFound     = "ALIAS_NOT_FOUND"
	ReasonCollectionMissing = "COLLECTION_NOT_FOUND"
	ReasonInvalidCollection = "INVALID_COLLECTION"
	ReasonInvalidProfile    = "INVALID_PROFILE"
)

// Common errors
var (
	ErrRateLimited       = errors.New(CodeTooManyRequests, ReasonRateLimited, "upstream rate limit exceeded")
	ErrIndexUnavailable  = errors.ServiceUnavailable(ReasonIndexUnavailable, "search index unavailable")
	ErrMigrationAborted  = errors.InternalServer(ReasonMigrationAborted, "collection migration aborted")
	ErrAliasNotFound     = errors.NotFound(ReasonAliasNotFound, "alias not found")
	ErrCollectionMissing = errors.NotFound(ReasonCollectionMissing, "collection not found")
	ErrInvalidCollection = errors.BadRequest(ReasonInvalidCollection, "invalid collection name")
)

// NewTransient creates a per-item error for an upstream failure that survived all retries.
func NewTransient(id string, cause error) *errors.Error {
	return errors.New(CodeBadGateway, ReasonTransient, "transient upstream failure").
		WithMetadata(map[string]string{"id": id}).
		WithCause(cause)
}

// NewRateLimited creates a per-item error for an upstream that kept answering 429 until retries ran out.
func NewRateLimited(id string, cause error) *errors.Error {
	return ErrRateLimited.
		WithMetadata(map[string]string{"id": id}).
		WithCause(cause)
}

// NewTerminal creates a per-item error for an upstream failure that must not be retried.
func NewTerminal(id string, cause error) *errors.Error {
	return errors.New(CodeUnprocessable, ReasonTerminal, "terminal upstream failure").
		WithMetadata(map[string]string{"id": id}).
		WithCause(cause)
}

// NewIndexWrite creates a per-document index write error.
func NewIndexWrite(docID, message string) *errors.Error {
	return errors.New(CodeUnprocessable, ReasonIndexWrite, message).
		WithMetadata(map[string]string{"document_id": docID})
}

// NewIndexUnavailable wraps a whole-batch index failure.
func NewIndexUnavailable(cause error) *errors.Error {
	return ErrIndexUnavailable.WithCause(cause)
}

// NewMigrationAborted wraps the population failure of a new generation.
func NewMigrationAborted(alias, generation string, cause error) *errors.Error {
	return ErrMigrationAborted.
		WithMetadata(map[string]string{"alias": alias, "generation": generation}).
		WithCause(cause)
}

// NewInvalidProfile 配置错误的 profile
func NewInvalidProfile(id, message string) *errors.Error {
	return errors.BadRequest(ReasonInvalidProfile, message).
		WithMetadata(map[string]string{"profile": id})
}

// IsIndexUnavailable 判断是否为索引不可用错误
func IsIndexUnavailable(err error) bool {
	return errors.Reason(err) == ReasonIndexUnavailable
}

// IsMigrationAborted 判断是否为迁移中止错误
func IsMigrationAborted(err error) bool {
	return errors.Reason(err) == ReasonMigrationAborted
}

// Reason 返回错误原因
func Reason(err error) string {
	return errors.Reason(err)
}
