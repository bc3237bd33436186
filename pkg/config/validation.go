package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittobackup/pkg/setup"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	switch cfg.Store.Type {
	case "filesystem":
		if path, _ := cfg.Store.Filesystem["path"].(string); path == "" {
			return fmt.Errorf("store.filesystem.path: required for the filesystem store")
		}
	case "s3":
		if bucket, _ := cfg.Store.S3["bucket"].(string); bucket == "" {
			return fmt.Errorf("store.s3.bucket: required for the s3 store")
		}
	}

	if cfg.Catalog.Type == "badger" {
		inMemory, _ := cfg.Catalog.Badger["in_memory"].(bool)
		path, _ := cfg.Catalog.Badger["db_path"].(string)
		if !inMemory && path == "" {
			return fmt.Errorf("catalog.badger.db_path: required unless in_memory is set")
		}
	}

	if cfg.Pipeline.ChunkSize != 0 {
		if err := setup.ValidateChunkSize(cfg.Pipeline.ChunkSize); err != nil {
			return fmt.Errorf("pipeline.chunk_size: %w", err)
		}
	}

	if cfg.Pipeline.UploadBurst != 0 && cfg.Pipeline.UploadRate == 0 {
		return fmt.Errorf("pipeline.upload_burst: set without upload_rate")
	}

	for user, password := range cfg.Server.Users {
		if user == "" {
			return fmt.Errorf("server.users: empty user name")
		}
		if password == "" {
			return fmt.Errorf("server.users[%s]: empty password", user)
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Return the first validation error with context
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
