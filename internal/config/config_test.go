package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	var cfg NameNodeConfig
	if err := Load("", &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Endpoint != "localhost:8000" {
		t.Fatalf("unexpected default endpoint %q", cfg.Endpoint)
	}
	if cfg.ReplicationFactor != 3 {
		t.Fatalf("unexpected default replication factor %d", cfg.ReplicationFactor)
	}
	if cfg.HeartbeatTimeout != 30*time.Second {
		t.Fatalf("unexpected default heartbeat timeout %s", cfg.HeartbeatTimeout)
	}
	if cfg.Metadata.Backend != "memory" {
		t.Fatalf("unexpected default metadata backend %q", cfg.Metadata.Backend)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datanode.yml")
	yaml := `endpoint: "127.0.0.1:9100"
namenode_endpoint: "127.0.0.1:9000"
data_dir: "/var/lib/godfs"
heartbeat_interval: 1s
replication_backoff:
  base: 100ms
  attempts: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var cfg DataNodeConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Endpoint != "127.0.0.1:9100" || cfg.NameNodeEndpoint != "127.0.0.1:9000" {
		t.Fatalf("endpoints not loaded: %+v", cfg)
	}
	if cfg.HeartbeatInterval != time.Second {
		t.Fatalf("heartbeat interval not loaded: %s", cfg.HeartbeatInterval)
	}
	if cfg.ReplicationBackoff.Base != 100*time.Millisecond || cfg.ReplicationBackoff.Attempts != 5 {
		t.Fatalf("backoff not loaded: %+v", cfg.ReplicationBackoff)
	}
	// Unset fields keep their defaults.
	if cfg.BlockReportInterval != 30*time.Second {
		t.Fatalf("default lost on partial config: %s", cfg.BlockReportInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GODFS_NAMENODE_ENDPOINT", "10.0.0.5:8000")

	var cfg ClientConfig
	if err := Load("", &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NameNodeEndpoint != "10.0.0.5:8000" {
		t.Fatalf("env override ignored: %q", cfg.NameNodeEndpoint)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg NameNodeConfig
	if err := Load(filepath.Join(t.TempDir(), "absent.yml"), &cfg); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
