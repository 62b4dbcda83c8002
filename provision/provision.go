// Package provision loads the platform provisioning configuration: the
// transport namespace, the history retention policy and the devices known
// at deployment time. The configuration is a JSON document validated
// against a JSON schema before anything acts on it.
package provision

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/hydronix-io/shadowd/shadow"
)

// Device is a device known at deployment time. Its shadow is created on
// startup so that desired state can be staged before the device first
// connects.
type Device struct {
	DeviceID string            `json:"device_id"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Retention is the history retention policy of the configuration.
type Retention struct {
	MaxEntries    int `json:"max_entries,omitempty"`
	MaxAgeSeconds int `json:"max_age_seconds,omitempty"`
}

// Config is the platform provisioning configuration.
type Config struct {
	Namespace string    `json:"namespace"`
	Retention Retention `json:"retention,omitempty"`
	Devices   []Device  `json:"devices,omitempty"`
}

const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "https://hydronix.io/schemas/provision.json",
  "type": "object",
  "required": ["namespace"],
  "additionalProperties": false,
  "properties": {
    "namespace": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9_-]*$"
    },
    "retention": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_entries": { "type": "integer", "minimum": 0 },
        "max_age_seconds": { "type": "integer", "minimum": 0 }
      }
    },
    "devices": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["device_id"],
        "additionalProperties": false,
        "properties": {
          "device_id": { "type": "string", "minLength": 1 },
          "labels": {
            "type": "object",
            "additionalProperties": { "type": "string" }
          }
        }
      }
    }
  }
}`

// Parse validates data against the configuration schema and unmarshals it.
func Parse(data []byte) (*Config, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot validate configuration: %s", err)
	}
	if !result.Valid() {
		msg := "the configuration is not valid:\n"
		for _, e := range result.Errors() {
			msg += fmt.Sprintf("- %s\n", e)
		}
		return nil, fmt.Errorf("%s", msg)
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// RetentionPolicy translates the configured retention into the store's
// retention policy. Unset values fall back to the defaults.
func (c *Config) RetentionPolicy() shadow.Retention {
	retention := shadow.DefaultRetention
	if c.Retention.MaxEntries > 0 {
		retention.MaxEntries = c.Retention.MaxEntries
	}
	if c.Retention.MaxAgeSeconds > 0 {
		retention.MaxAge = time.Duration(c.Retention.MaxAgeSeconds) * time.Second
	}
	return retention
}
