package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StreamDef describes one stream to register at startup. Loaded from the
// optional YAML bootstrap file pointed at by STREAMS_FILE.
type StreamDef struct {
	Name        string            `yaml:"name"`
	URL         string            `yaml:"url"`
	Description string            `yaml:"description"`
	Parameters  map[string]string `yaml:"parameters"`
}

// LoadStreamDefs reads a YAML file of the form:
//
//	streams:
//	  - name: cam1
//	    url: rtsp://host/stream
//	    description: front door
//	    parameters:
//	      rtsp_transport: tcp
//
// Entries missing a name or url are rejected so a typo in the bootstrap file
// fails loudly instead of registering a broken stream.
func LoadStreamDefs(path string) ([]StreamDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file struct {
		Streams []StreamDef `yaml:"streams"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i, def := range file.Streams {
		if def.Name == "" || def.URL == "" {
			return nil, fmt.Errorf("%s: stream %d missing name or url", path, i)
		}
	}
	return file.Streams, nil
}
