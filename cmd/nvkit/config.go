package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nvkit/nvkit/filedev"
)

// config describes the device image and the driver stacked on it.
type config struct {
	// Image is the path of the flash image file.
	Image string `yaml:"image"`

	// Driver selects "mirror" or "fee".
	Driver string `yaml:"driver"`

	// Geometry is the emulated device shape.
	Geometry filedev.Geometry `yaml:"geometry"`

	// Mirror holds mirror driver settings.
	Mirror struct {
		HeaderSectors uint32 `yaml:"header_sectors"`
	} `yaml:"mirror"`

	// CacheSectors enables a read cache of that many sectors when
	// positive.
	CacheSectors int `yaml:"cache_sectors"`
}

func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	if cfg.Image == "" {
		return nil, fmt.Errorf("config: image path is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = "fee"
	}
	if cfg.Driver == "mirror" && cfg.Mirror.HeaderSectors == 0 {
		cfg.Mirror.HeaderSectors = 1
	}
	return &cfg, nil
}
