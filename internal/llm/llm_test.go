package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{400, KindInvalidRequest},
		{401, KindAuthentication},
		{403, KindPermissionDenied},
		{404, KindInvalidRequest},
		{429, KindRateLimited},
		{500, KindServerError},
		{503, KindServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, KindForStatus(tt.code))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindRateLimited.Retryable())
	assert.True(t, KindServerError.Retryable())
	assert.True(t, KindNetwork.Retryable())
	assert.False(t, KindAuthentication.Retryable())
	assert.False(t, KindPermissionDenied.Retryable())
	assert.False(t, KindInvalidRequest.Retryable())
	assert.False(t, KindContentBlocked.Retryable())
}

func TestClassify(t *testing.T) {
	api := &APIError{Kind: KindServerError, StatusCode: 502}
	wrapped := fmt.Errorf("call: %w", api)
	assert.Same(t, api, Classify(wrapped))

	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	got := Classify(netErr)
	require.NotNil(t, got)
	assert.Equal(t, KindNetwork, got.Kind)

	got = Classify(context.DeadlineExceeded)
	require.NotNil(t, got)
	assert.Equal(t, KindNetwork, got.Kind)

	assert.Nil(t, Classify(context.Canceled))
	assert.Nil(t, Classify(ErrNotConfigured))
	assert.Nil(t, Classify(nil))
}

func TestRetryExhaustedUnwraps(t *testing.T) {
	last := &APIError{Kind: KindRateLimited, StatusCode: 429}
	err := error(&RetryExhaustedError{Attempts: 3, Last: last})
	var api *APIError
	require.True(t, errors.As(err, &api))
	assert.Equal(t, KindRateLimited, api.Kind)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestRetryPolicyDelayDeterministic(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:     5,
		RateLimitBase:   500 * time.Millisecond,
		ServerErrorBase: 250 * time.Millisecond,
		NetworkBase:     250 * time.Millisecond,
		MaxDelay:        2 * time.Second,
	}
	rl := &APIError{Kind: KindRateLimited}
	assert.Equal(t, 500*time.Millisecond, p.Delay(rl, 1))
	assert.Equal(t, time.Second, p.Delay(rl, 2))
	assert.Equal(t, 2*time.Second, p.Delay(rl, 3))
	assert.Equal(t, 2*time.Second, p.Delay(rl, 4))

	srv := &APIError{Kind: KindServerError}
	assert.Equal(t, 250*time.Millisecond, p.Delay(srv, 1))
	assert.Equal(t, 500*time.Millisecond, p.Delay(srv, 2))

	network := &APIError{Kind: KindNetwork}
	assert.Equal(t, time.Duration(0), p.Delay(network, 1))
	assert.Equal(t, 250*time.Millisecond, p.Delay(network, 2))
	assert.Equal(t, 500*time.Millisecond, p.Delay(network, 3))

	assert.Equal(t, time.Duration(0), p.Delay(&APIError{Kind: KindAuthentication}, 1))
}

func TestRetryPolicyHonorsRetryAfter(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Jitter = 0
	err := &APIError{Kind: KindRateLimited, RetryAfter: 7 * time.Second}
	assert.Equal(t, 7*time.Second, p.Delay(err, 1))

	err.RetryAfter = 5 * time.Minute
	assert.Equal(t, p.MaxDelay, p.Delay(err, 1))
}

func TestRetryPolicyJitterStaysInBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	err := &APIError{Kind: KindServerError}
	for i := 0; i < 50; i++ {
		d := p.Delay(err, 2)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)
	}
}

func TestPlaceholderClient(t *testing.T) {
	c := PlaceholderClient{ModelID: "m"}
	_, err := c.Send(context.Background(), "p", DefaultGenerationConfig())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, "m", c.Model())
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	rl := &APIError{Kind: KindRateLimited}
	assert.True(t, p.ShouldRetry(1, rl))
	assert.True(t, p.ShouldRetry(2, rl))
	assert.False(t, p.ShouldRetry(3, rl))
	assert.False(t, p.ShouldRetry(1, &APIError{Kind: KindInvalidRequest}))
	assert.False(t, p.ShouldRetry(1, errors.New("unclassified")))
}
