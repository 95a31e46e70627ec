package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/example/ride-bidding/internal/models"
)

// loadClassFile overlays the service_classes section of a YAML file on base.
// Classes absent from the file keep their base values; partial entries
// inherit the missing fields.
func loadClassFile(path string, base map[models.ServiceClass]ClassConfig) (map[models.ServiceClass]ClassConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var file map[string]ClassConfig
	if err := v.UnmarshalKey("service_classes", &file); err != nil {
		return nil, fmt.Errorf("decode service_classes: %w", err)
	}

	out := make(map[models.ServiceClass]ClassConfig, len(base)+len(file))
	for k, cc := range base {
		out[k] = cc
	}
	for name, cc := range file {
		class := models.ServiceClass(name)
		prev := out[class]
		if cc.Window == 0 {
			cc.Window = prev.Window
		}
		if cc.RadiusM == 0 {
			cc.RadiusM = prev.RadiusM
		}
		if cc.Tariff == (Tariff{}) {
			cc.Tariff = prev.Tariff
		}
		out[class] = cc
	}
	return out, nil
}
