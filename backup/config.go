// Package backup uploads a corpus to S3-compatible storage (S3, R2, B2,
// minio etc.).
package backup

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Access   string `yaml:"access"`
	Secret   string `yaml:"secret"`
	Bucket   string `yaml:"bucket"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	// use http if true
	Insecure bool `yaml:"insecure"`
	// remote paths are <Prefix>/<path relative to corpus dir>
	Prefix string `yaml:"prefix"`
	// if true, files are uploaded brotli compressed, with .br extension
	Compress bool `yaml:"compress"`

	RequestTrace io.Writer `yaml:"-"`
}

// ConfigFromEnv reads config from MAILSTORE_S3_* env variables
func ConfigFromEnv() *Config {
	return &Config{
		Access:   os.Getenv("MAILSTORE_S3_ACCESS"),
		Secret:   os.Getenv("MAILSTORE_S3_SECRET"),
		Bucket:   os.Getenv("MAILSTORE_S3_BUCKET"),
		Endpoint: os.Getenv("MAILSTORE_S3_ENDPOINT"),
		Region:   os.Getenv("MAILSTORE_S3_REGION"),
		Prefix:   os.Getenv("MAILSTORE_S3_PREFIX"),
	}
}

// Merge sets fields of c that are empty to values from other
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	set := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	set(&c.Access, other.Access)
	set(&c.Secret, other.Secret)
	set(&c.Bucket, other.Bucket)
	set(&c.Endpoint, other.Endpoint)
	set(&c.Region, other.Region)
	set(&c.Prefix, other.Prefix)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Access == "" {
		missing = append(missing, "access")
	}
	if c.Secret == "" {
		missing = append(missing, "secret")
	}
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if c.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if len(missing) > 0 {
		return errors.Errorf("backup config: missing %s", strings.Join(missing, ", "))
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.Errorf("backup config: endpoint '%s' should be a host, without scheme", c.Endpoint)
	}
	return nil
}

// LoadConfig reads the backup: section of yaml config file at path.
// Returns nil config if there's no such section.
func LoadConfig(path string) (*Config, error) {
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Backup *Config `yaml:"backup"`
	}
	if err = yaml.Unmarshal(d, &file); err != nil {
		return nil, errors.Wrapf(err, "config file '%s'", path)
	}
	return file.Backup, nil
}
