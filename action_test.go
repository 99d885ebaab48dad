package duron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionNormalizeAppliesDefaults(t *testing.T) {
	a := &Action{Name: "send-email", Handler: func(actx *ActionContext) (any, error) { return nil, nil }}
	require.NoError(t, a.normalize())

	assert.Equal(t, "1", a.Version)
	assert.Equal(t, DefaultJobExpire, a.Expire)
	assert.Equal(t, DefaultStepConcurrency, a.Steps.Concurrency)
	assert.Equal(t, DefaultStepExpire, a.Steps.Expire)
	assert.Equal(t, DefaultRetryLimit, a.Steps.Retry.Limit)
	assert.Equal(t, DefaultRetryFactor, a.Steps.Retry.Factor)
	assert.Equal(t, DefaultRetryMinTimeout, a.Steps.Retry.MinTimeout)
	assert.Equal(t, DefaultRetryMaxTimeout, a.Steps.Retry.MaxTimeout)
}

func TestActionNormalizeKeepsExplicitValues(t *testing.T) {
	a := &Action{
		Name:    "send-email",
		Version: "3",
		Expire:  time.Minute,
		Steps: StepSettings{
			Concurrency: 2,
			Expire:      10 * time.Second,
			Retry:       RetryPolicy{Limit: 1, Factor: 3, MinTimeout: time.Second, MaxTimeout: 2 * time.Second},
		},
		Handler: func(actx *ActionContext) (any, error) { return nil, nil },
	}
	require.NoError(t, a.normalize())

	assert.Equal(t, "3", a.Version)
	assert.Equal(t, time.Minute, a.Expire)
	assert.Equal(t, 2, a.Steps.Concurrency)
	assert.Equal(t, RetryPolicy{Limit: 1, Factor: 3, MinTimeout: time.Second, MaxTimeout: 2 * time.Second}, a.Steps.Retry)
}

func TestActionNormalizeRejectsMissingPieces(t *testing.T) {
	err := (&Action{Handler: func(actx *ActionContext) (any, error) { return nil, nil }}).normalize()
	require.Error(t, err)

	err = (&Action{Name: "x"}).normalize()
	require.Error(t, err)
}

func TestActionChecksumIsStablePerNameVersion(t *testing.T) {
	a := &Action{Name: "send-email", Version: "1"}
	b := &Action{Name: "send-email", Version: "1"}
	assert.Equal(t, a.Checksum(), b.Checksum())
	assert.Len(t, a.Checksum(), 64)

	c := &Action{Name: "send-email", Version: "2"}
	assert.NotEqual(t, a.Checksum(), c.Checksum())

	d := &Action{Name: "send-sms", Version: "1"}
	assert.NotEqual(t, a.Checksum(), d.Checksum())
}

func TestRetryPolicyDelayIsDeterministicAndCapped(t *testing.T) {
	p := RetryPolicy{Limit: 10, Factor: 2, MinTimeout: time.Second, MaxTimeout: 10 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(50))
}
