package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// sectionComments are written above each top-level key of a generated file.
var sectionComments = map[string]string{
	"logging":  "Logging: level (DEBUG, INFO, WARN, ERROR), format (text, json), output (stdout, stderr, path)",
	"store":    "Object store for chunks, indexes and blobs: memory, filesystem or s3",
	"catalog":  "Snapshot catalog: memory or badger",
	"server":   "Datastore: name, fingerprint, users (empty disables authentication), compression (none, zstd, lz4)",
	"pipeline": "Upload pipeline: max_in_flight chunk uploads, upload_rate in bytes/s (0 = unlimited), chunk_size",
	"restore":  "Restore: read_ahead chunks fetched ahead of delivery",
	"gc":       "Garbage collection of chunks no committed snapshot references",
	"metrics":  "Prometheus metrics endpoint",
	"client":   "CLI session defaults; flags and DITTOBACKUP_CLIENT_* variables override them",
}

const fileHeader = `# dittobackup Configuration File
#
# Values can be overridden with environment variables using the DITTOBACKUP_
# prefix, e.g. DITTOBACKUP_LOGGING_LEVEL=DEBUG.
`

// InitConfig writes a default configuration file to the default location.
//
// Parameters:
//   - force: overwrite an existing file
//
// Returns the path of the written file.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path. Without
// force an existing file is an error.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	data, err := renderDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The file may hold passwords and S3 secrets once edited.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// renderDefaultConfig encodes GetDefaultConfig as commented YAML.
func renderDefaultConfig() ([]byte, error) {
	var doc yaml.Node
	if err := doc.Encode(GetDefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to encode default config: %w", err)
	}

	// Mapping content alternates key and value nodes.
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return buf.Bytes(), nil
}
