package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindAndCode(t *testing.T) {
	err := New(KindValidation, "OrderTooLarge", "notional 1500 exceeds 1000")
	wrapped := fmt.Errorf("submit: %w", err)

	assert.True(t, errors.Is(wrapped, ErrValidation))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindValidation, Code: "OrderTooLarge"}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindValidation, Code: "SpreadTooWide"}))
	assert.False(t, errors.Is(wrapped, ErrTransport))
	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, "OrderTooLarge", CodeOf(wrapped))
}

func TestRetryableOnlyForTransport(t *testing.T) {
	cause := errors.New("connection reset")
	assert.True(t, Retryable(Wrap(KindTransport, "POST_ORDER", cause, "dispatch")))
	assert.False(t, Retryable(New(KindExchangeRejection, "INVALID_TICK", "bad price")))
	assert.False(t, Retryable(nil))
	assert.Equal(t, KindInternal, KindOf(cause))
}

func TestErrorString(t *testing.T) {
	cause := errors.New("eof")
	assert.Equal(t, "POST_ORDER: dispatch: eof", Wrap(KindTransport, "POST_ORDER", cause, "dispatch").Error())
	assert.Equal(t, "TRANSPORT", (&Error{Kind: KindTransport}).Error())
}
