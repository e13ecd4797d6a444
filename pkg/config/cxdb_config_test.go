package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearCxdbEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CXDB_DATA_DIR", "CXDB_BIND_ADDR", "CXDB_HTTP_BIND_ADDR", "CXDB_AUTH_SECRET",
		"CXDB_NATS_URL", "CXDB_NATS_PREFIX", "CXDB_S3_BUCKET", "CXDB_S3_REGION",
		"CXDB_S3_ENDPOINT", "CXDB_S3_ACCESS_KEY_ID", "CXDB_S3_SECRET_ACCESS_KEY",
		"CXDB_S3_FORCE_PATH_STYLE",
	}
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadCxdbConfig_Defaults(t *testing.T) {
	clearCxdbEnv(t)

	cfg, err := LoadCxdbConfig("")
	if err != nil {
		t.Fatalf("LoadCxdbConfig() error = %v", err)
	}
	want := DefaultCxdbConfig()
	if cfg != want {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadCxdbConfig_EnvOverridesDefaults(t *testing.T) {
	clearCxdbEnv(t)
	os.Setenv("CXDB_DATA_DIR", "/var/lib/cxdb")
	os.Setenv("CXDB_BIND_ADDR", "0.0.0.0:7000")
	os.Setenv("CXDB_S3_BUCKET", "my-bucket")
	os.Setenv("CXDB_S3_REGION", "us-east-1")

	cfg, err := LoadCxdbConfig("")
	if err != nil {
		t.Fatalf("LoadCxdbConfig() error = %v", err)
	}
	if cfg.DataDir != "/var/lib/cxdb" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.BindAddr != "0.0.0.0:7000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.S3Bucket != "my-bucket" || cfg.S3Region != "us-east-1" {
		t.Errorf("S3Bucket/S3Region = %q/%q", cfg.S3Bucket, cfg.S3Region)
	}
}

func TestLoadCxdbConfig_YAMLFileThenEnvWins(t *testing.T) {
	clearCxdbEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cxdb.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /from/file\nbind_addr: 127.0.0.1:1111\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	os.Setenv("CXDB_BIND_ADDR", "127.0.0.1:2222")

	cfg, err := LoadCxdbConfig(path)
	if err != nil {
		t.Fatalf("LoadCxdbConfig() error = %v", err)
	}
	if cfg.DataDir != "/from/file" {
		t.Errorf("DataDir = %q, want file value", cfg.DataDir)
	}
	if cfg.BindAddr != "127.0.0.1:2222" {
		t.Errorf("BindAddr = %q, want env override", cfg.BindAddr)
	}
}

func TestLoadCxdbConfig_S3BucketWithoutRegionOrEndpointFails(t *testing.T) {
	clearCxdbEnv(t)
	os.Setenv("CXDB_S3_BUCKET", "my-bucket")

	if _, err := LoadCxdbConfig(""); err == nil {
		t.Fatal("expected error for s3_bucket without s3_region/s3_endpoint")
	}
}

func TestLoadCxdbConfig_SameBindAddrFails(t *testing.T) {
	clearCxdbEnv(t)
	os.Setenv("CXDB_BIND_ADDR", "127.0.0.1:9009")
	os.Setenv("CXDB_HTTP_BIND_ADDR", "127.0.0.1:9009")

	if _, err := LoadCxdbConfig(""); err == nil {
		t.Fatal("expected error for identical bind_addr and http_bind_addr")
	}
}
