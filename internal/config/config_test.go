package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/models"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 3000.0, cfg.Locator.DefaultRadiusM)
	assert.Equal(t, 1.5, cfg.Locator.RadiusFactor)
	assert.Equal(t, 10, cfg.Locator.TopK)
	assert.Equal(t, 60*time.Second, cfg.WindowFor(models.ClassEconomy))
	assert.Equal(t, 180*time.Second, cfg.WindowFor(models.ClassCargo))
	assert.Equal(t, 5000.0, cfg.RadiusFor(models.ClassCargo))
	assert.Equal(t, 3000.0, cfg.RadiusFor(models.ClassEconomy))
	assert.True(t, cfg.Bidding.AutoAccept)
}

func TestLoadServerConfigCollectsEnvErrors(t *testing.T) {
	t.Setenv("LOCATOR_TOP_K", "many")
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("CANCEL_FEE_PERCENT", "150")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCATOR_TOP_K")
	assert.Contains(t, err.Error(), "SWEEP_INTERVAL")
	assert.Contains(t, err.Error(), "CANCEL_FEE_PERCENT")
}

func TestLoadServerConfigClassFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.yaml")
	body := `
service_classes:
  economy:
    window: 75s
  moto:
    window: 45s
    radius_m: 2000
    tariff:
      base: 100
      per_km: 50
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 75*time.Second, cfg.WindowFor(models.ClassEconomy))
	assert.Equal(t, 150.0, cfg.Classes[models.ClassEconomy].Tariff.Base, "tariff inherited from defaults")
	assert.Equal(t, 45*time.Second, cfg.WindowFor("moto"))
	assert.Equal(t, 2000.0, cfg.RadiusFor("moto"))
	assert.Equal(t, 120*time.Second, cfg.WindowFor(models.ClassDelivery))
}

func TestLoadServerConfigTrustedProxies(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.TrustedProxies)

	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1/32")
	cfg, err = LoadServerConfig()
	require.NoError(t, err)
	require.Len(t, cfg.TrustedProxies, 2)
	assert.Equal(t, "10.0.0.0/8", cfg.TrustedProxies[0].String())

	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,not-a-cidr")
	_, err = LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRUSTED_PROXIES")
}
