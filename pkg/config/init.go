package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// sampleConfig is the annotated starter configuration written by
// "dittobus init".
const sampleConfig = `# DittoBus broker configuration
#
# Every value in this file can be overridden with a DITTOBUS_* environment variable,
# for example DITTOBUS_LOGGING_LEVEL=DEBUG.

logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text, json
  output: stdout     # stdout, stderr, or a file path

broker:
  default_pool_size: 1Mi   # receive pool size when hello names none
  send_timeout: 0s         # how long senders wait on a full pool

metrics:
  enabled: false
  port: 9490

api:
  enabled: true
  port: 9491

shutdown_timeout: 10s
`

// InitConfig writes the sample configuration to the default location.
// Returns the path written.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the sample configuration to an explicit path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
