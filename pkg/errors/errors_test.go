package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCarriesTypeAndStack(t *testing.T) {
	err := New(ErrorTypeRelationNotFound, "no relation named orders")

	assert.Equal(t, ErrorTypeRelationNotFound, err.Type)
	assert.Contains(t, err.Error(), "relation_not_found")
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrorTypeSourceUnreachable, "failed to open source")

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsType(err, ErrorTypeSourceUnreachable))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapNilReturnsNil(t *testing.T) {
	var e *Error = Wrap(nil, ErrorTypeInternal, "ignored")
	assert.Nil(t, e)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "reset")))
	assert.True(t, IsRetryable(New(ErrorTypeSourceUnreachable, "dns")))
	assert.False(t, IsRetryable(New(ErrorTypeQuerySyntax, "bad sql")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeTypeMismatch, "incompatible columns").
		WithDetail("left", "cust_id").
		WithDetail("right", "created_at")

	assert.Equal(t, "cust_id", err.Details["left"])
	assert.Equal(t, "created_at", err.Details["right"])
}

func TestTypeOfForeignError(t *testing.T) {
	assert.Equal(t, ErrorTypeInternal, TypeOf(fmt.Errorf("plain")))
	assert.Equal(t, ErrorTypeAmbiguousKey, TypeOf(New(ErrorTypeAmbiguousKey, "two candidates")))
}
