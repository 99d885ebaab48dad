package env

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolConfig struct {
	Size    int           `env:"TEST_POOL_SIZE"`
	Timeout time.Duration `env:"TEST_POOL_TIMEOUT"`
}

func (c *poolConfig) Validate() error {
	if c.Size < 0 {
		return errors.New("pool size must not be negative")
	}
	return nil
}

type appConfig struct {
	Name    string   `env:"TEST_APP_NAME"`
	Debug   bool     `env:"TEST_APP_DEBUG"`
	Ratio   float64  `env:"TEST_APP_RATIO"`
	Tags    []string `env:"TEST_APP_TAGS"`
	Pool    poolConfig
	ignored string
}

func TestLoadPopulatesFields(t *testing.T) {
	t.Setenv("TEST_APP_NAME", "duron")
	t.Setenv("TEST_APP_DEBUG", "true")
	t.Setenv("TEST_APP_RATIO", "0.5")
	t.Setenv("TEST_APP_TAGS", "a, b ,c")
	t.Setenv("TEST_POOL_SIZE", "25")
	t.Setenv("TEST_POOL_TIMEOUT", "1m30s")

	var cfg appConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "duron", cfg.Name)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 0.5, cfg.Ratio)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Tags)
	assert.Equal(t, 25, cfg.Pool.Size)
	assert.Equal(t, 90*time.Second, cfg.Pool.Timeout)
}

func TestLoadLeavesUnsetFieldsUntouched(t *testing.T) {
	cfg := appConfig{Name: "preset", Pool: poolConfig{Size: 7}}
	require.NoError(t, Load(&cfg))
	assert.Equal(t, "preset", cfg.Name)
	assert.Equal(t, 7, cfg.Pool.Size)
}

func TestLoadReportsInvalidValue(t *testing.T) {
	t.Setenv("TEST_POOL_SIZE", "lots")

	var cfg appConfig
	err := Load(&cfg)
	var invalid ErrInvalidValue
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "TEST_POOL_SIZE", invalid.EnvVar)
	assert.Equal(t, "lots", invalid.Value)
}

func TestLoadRunsNestedValidators(t *testing.T) {
	t.Setenv("TEST_POOL_SIZE", "-1")

	var cfg appConfig
	err := Load(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
}

func TestLoadRejectsNonStructPointer(t *testing.T) {
	var n int
	err := Load(&n)
	var notStruct ErrNotStructPointer
	require.ErrorAs(t, err, &notStruct)

	err = Load(appConfig{})
	require.ErrorAs(t, err, &notStruct)
}

func TestLoadParsesDurations(t *testing.T) {
	t.Setenv("TEST_POOL_TIMEOUT", "250ms")

	var cfg appConfig
	require.NoError(t, Load(&cfg))
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.Timeout)
}
