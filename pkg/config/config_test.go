package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediaplane/sfu/pkg/config/configtest"
)

func TestConfigYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ICE.STUNServers = []string{"stun.l.google.com:19302"}
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsNoSTUNOrTURN(t *testing.T) {
	cfg := DefaultConfig()
	require.ErrorIs(t, cfg.Validate(), ErrNoSTUNServers)
}

func TestValidateRejectsBadSampleRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio.SampleRate = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidSampleRate)
}

func TestValidateRejectsBadPortRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortRange.Start = 100
	cfg.PortRange.End = 50
	require.ErrorIs(t, cfg.Validate(), ErrInvalidPortRange)
}
