package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableByCode(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{Transient, true},
		{Unavailable, true},
		{Permanent, false},
		{Conflict, false},
		{NotFound, false},
	}
	for _, tc := range cases {
		e := New(tc.code, Context{Component: "x", Operation: "y"}, nil)
		assert.Equal(t, tc.want, e.Retryable(), "code %s", tc.code)
	}
}

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	e := New(Transient, Context{Component: "pm", Operation: "fetch"}, cause)

	wrapped := fmt.Errorf("while syncing: %w", e)

	assert.True(t, errors.Is(wrapped, cause))

	got, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, Transient, got.Code)
}

func TestIsRetryableDefaultsTrueForUnclassified(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("some opaque error")))
	assert.False(t, IsRetryable(nil))
}

func TestIsConflictAndNotFound(t *testing.T) {
	conflict := New(Conflict, Context{Component: "store", Operation: "upsert"}, nil)
	notFound := New(NotFound, Context{Component: "pm", Operation: "get"}, nil)

	assert.True(t, IsConflict(conflict))
	assert.False(t, IsConflict(notFound))
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(conflict))
}

func TestErrorMessageIncludesContext(t *testing.T) {
	e := New(Transient, Context{
		Component:  "tracker",
		Operation:  "append",
		Project:    "HVSYN",
		Identifier: "HVSYN-12",
		Attempt:    2,
	}, errors.New("disk full"))

	msg := e.Error()
	assert.Contains(t, msg, "tracker.append")
	assert.Contains(t, msg, "HVSYN")
	assert.Contains(t, msg, "HVSYN-12")
	assert.Contains(t, msg, "attempt=2")
	assert.Contains(t, msg, "disk full")
}
