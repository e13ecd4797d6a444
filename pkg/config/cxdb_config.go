package config

import (
	"fmt"
	"os"
)

// CxdbConfig is cxdb's process configuration (SPEC_FULL.md §6.8): where its
// data lives, what it binds to, and which optional subsystems (auth, a
// clustered event bus, S3 replication) are enabled.
type CxdbConfig struct {
	DataDir      string `yaml:"data_dir"`
	BindAddr     string `yaml:"bind_addr"`      // pkg/cxserver's binary protocol listener
	HTTPBindAddr string `yaml:"http_bind_addr"` // pkg/facade's HTTP listener

	AuthSecret string `yaml:"auth_secret,omitempty"` // gates pkg/facade when set

	NATSURL    string `yaml:"nats_url,omitempty"`
	NATSPrefix string `yaml:"nats_prefix,omitempty"`

	S3Bucket          string `yaml:"s3_bucket,omitempty"`
	S3Region          string `yaml:"s3_region,omitempty"`
	S3Endpoint        string `yaml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `yaml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key,omitempty"`
	S3ForcePathStyle  bool   `yaml:"s3_force_path_style,omitempty"`

	// RegistryDSN/RegistryDriver enable pkg/registry's schema-decoding
	// touchpoint (SPEC_FULL.md §6.4) when set. Not named in spec.md §6 — an
	// additive, optional knob for an out-of-core component, not a required
	// variable.
	RegistryDSN    string `yaml:"registry_dsn,omitempty"`
	RegistryDriver string `yaml:"registry_driver,omitempty"` // default "pgx" when RegistryDSN is set
}

// DefaultCxdbConfig returns spec.md §6's defaults.
func DefaultCxdbConfig() CxdbConfig {
	return CxdbConfig{
		DataDir:      "./data",
		BindAddr:     "127.0.0.1:9009",
		HTTPBindAddr: "127.0.0.1:9010",
	}
}

// LoadCxdbConfig builds a CxdbConfig starting from the defaults, optionally
// overlaying a YAML file at path (skipped if path is empty or the file does
// not exist), then applying CXDB_* environment variables, which always win.
//
// The env step reads each variable directly rather than through
// ApplyEnvOverrides: that reflective helper derives names from Go field
// names (DataDir -> PREFIX_DATADIR), which cannot produce the underscored
// names spec.md §6 actually specifies (CXDB_DATA_DIR).
func LoadCxdbConfig(path string) (CxdbConfig, error) {
	cfg := DefaultCxdbConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := Load(path, &cfg); err != nil {
				return CxdbConfig{}, fmt.Errorf("load cxdb config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return CxdbConfig{}, fmt.Errorf("stat cxdb config file: %w", err)
		}
	}

	applyCxdbEnv(&cfg)

	if err := Validate(&cfg, cxdbValidators()...); err != nil {
		return CxdbConfig{}, err
	}
	return cfg, nil
}

func applyCxdbEnv(cfg *CxdbConfig) {
	setFromEnv(&cfg.DataDir, "CXDB_DATA_DIR")
	setFromEnv(&cfg.BindAddr, "CXDB_BIND_ADDR")
	setFromEnv(&cfg.HTTPBindAddr, "CXDB_HTTP_BIND_ADDR")
	setFromEnv(&cfg.AuthSecret, "CXDB_AUTH_SECRET")
	setFromEnv(&cfg.NATSURL, "CXDB_NATS_URL")
	setFromEnv(&cfg.NATSPrefix, "CXDB_NATS_PREFIX")
	setFromEnv(&cfg.S3Bucket, "CXDB_S3_BUCKET")
	setFromEnv(&cfg.S3Region, "CXDB_S3_REGION")
	setFromEnv(&cfg.S3Endpoint, "CXDB_S3_ENDPOINT")
	setFromEnv(&cfg.S3AccessKeyID, "CXDB_S3_ACCESS_KEY_ID")
	setFromEnv(&cfg.S3SecretAccessKey, "CXDB_S3_SECRET_ACCESS_KEY")
	if v := os.Getenv("CXDB_S3_FORCE_PATH_STYLE"); v != "" {
		cfg.S3ForcePathStyle = v == "true" || v == "1"
	}
	setFromEnv(&cfg.RegistryDSN, "CXDB_REGISTRY_DSN")
	setFromEnv(&cfg.RegistryDriver, "CXDB_REGISTRY_DRIVER")
	if cfg.RegistryDSN != "" && cfg.RegistryDriver == "" {
		cfg.RegistryDriver = "pgx"
	}
}

func setFromEnv(field *string, envKey string) {
	if v := os.Getenv(envKey); v != "" {
		*field = v
	}
}

// cxdbValidators enforces spec.md §6's required combinations: an S3 mirror
// needs a region or a custom endpoint alongside its bucket, and the two
// listeners must not collide.
func cxdbValidators() []Validator {
	return []Validator{
		ValidatorFunc(func(c interface{}) error {
			cfg, ok := c.(*CxdbConfig)
			if !ok {
				return fmt.Errorf("cxdb config validator: unexpected type %T", c)
			}
			if cfg.DataDir == "" {
				return fmt.Errorf("data_dir must not be empty")
			}
			if cfg.BindAddr == "" {
				return fmt.Errorf("bind_addr must not be empty")
			}
			if cfg.HTTPBindAddr == "" {
				return fmt.Errorf("http_bind_addr must not be empty")
			}
			if cfg.BindAddr == cfg.HTTPBindAddr {
				return fmt.Errorf("bind_addr and http_bind_addr must differ, got %q for both", cfg.BindAddr)
			}
			if cfg.S3Bucket != "" && cfg.S3Region == "" && cfg.S3Endpoint == "" {
				return fmt.Errorf("s3_bucket set without s3_region or s3_endpoint")
			}
			return nil
		}),
	}
}
