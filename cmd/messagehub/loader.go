package main

import (
	_ "embed" // Required for go:embed
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-message-hub/messagehub/config"
)

//go:embed config.yaml
var configFile []byte

// load parses the embedded configuration file for the service.
func load() (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	return config.NewAppConfigFromYaml(&yamlCfg), nil
}
