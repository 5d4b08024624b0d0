package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pisaresearch/pisa/internal/perrors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(`responderAddresses = ["0x1111111111111111111111111111111111111111"]`))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cfg.ConfirmationsBeforeResponse)
	assert.Equal(t, uint64(20), cfg.ConfirmationsBeforeRemoval)
}

func TestValidateConfirmationOrdering(t *testing.T) {
	cfg := Default()
	cfg.ResponderAddresses = []string{"0xabc"}
	cfg.ConfirmationsBeforeResponse = 10
	cfg.ConfirmationsBeforeRemoval = 5

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ConfigurationError))
}

func TestValidateRequiresResponderAddress(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ConfigurationError))
}

func TestBlockCacheSizeHint(t *testing.T) {
	cfg := Default()
	cfg.ResponderAddresses = []string{"0xabc"}
	cfg.BlockCacheSizeHint = "256MiB"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(256*1024*1024), cfg.BlockCacheSizeBytes())
}

func TestBlockCacheSizeHintInvalid(t *testing.T) {
	cfg := Default()
	cfg.ResponderAddresses = []string{"0xabc"}
	cfg.BlockCacheSizeHint = "not-a-size"
	require.Error(t, cfg.Validate())
}
