package condorerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRejectCarriesReason(t *testing.T) {
	err := Reject(ReasonRateLimited, "cap %d reached", 5)
	assert.Equal(t, ReasonRateLimited, ReasonOf(err))
	assert.True(t, IsReason(err, ReasonRateLimited))
	assert.False(t, IsReason(err, ReasonDuplicateOrder))
	assert.Contains(t, err.Error(), "RATE_LIMITED")
	assert.Contains(t, err.Error(), "cap 5 reached")
}

func TestReasonSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("executing trigger: %w", Reject(ReasonStalePriceData, "no quote"))
	assert.Equal(t, ReasonStalePriceData, ReasonOf(err))
	assert.True(t, errors.Is(err, &Rejection{Reason: ReasonStalePriceData}))
}

func TestBrokerRejectIncludesCode(t *testing.T) {
	err := BrokerReject(201, "margin check failed")
	assert.Equal(t, ReasonBrokerRejected, ReasonOf(err))
	assert.Contains(t, err.Error(), "code 201")

	var rej *Rejection
	assert.True(t, errors.As(err, &rej))
	assert.Equal(t, 201, rej.BrokerCode)
}

func TestReasonOfPlainError(t *testing.T) {
	assert.Equal(t, Reason(""), ReasonOf(errors.New("plain")))
	assert.False(t, IsReason(nil, ReasonNotConnected))
}
