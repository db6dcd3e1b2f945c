package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDefaultConfig(t *testing.T) {
	assert.Empty(t, NewValidator().ValidateConfig(DefaultConfig()))
}

func TestValidateConfigCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	cfg.LLM.Provider = "carrier-pigeon"
	cfg.Memory.CheckpointSchedule = "every tuesday"
	cfg.Gateway.Port = 0

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 4)
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("@every 1m"))
	assert.NoError(t, v.ValidateSchedule("0 * * * *"))
	assert.Error(t, v.ValidateSchedule("* *"))
}

func TestValidateTemperature(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0.7))
	assert.NoError(t, v.ValidateTemperature(0))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(2.5))
}
