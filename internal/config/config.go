// Package config loads YAML configuration with environment overrides
// for the namenode, datanode and client binaries.
package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type BackoffConfig struct {
	Base       time.Duration `yaml:"base" env-default:"500ms"`
	Cap        time.Duration `yaml:"cap" env-default:"10s"`
	Multiplier float64       `yaml:"multiplier" env-default:"2"`
	Attempts   int           `yaml:"attempts" env-default:"3"`
}

type MetadataConfig struct {
	// "memory" or "postgres"
	Backend     string `yaml:"backend" env:"GODFS_METADATA_BACKEND" env-default:"memory"`
	PostgresDSN string `yaml:"postgres_dsn" env:"GODFS_METADATA_POSTGRES_DSN"`
}

type NameNodeConfig struct {
	Endpoint          string         `yaml:"endpoint" env:"GODFS_NAMENODE_ENDPOINT" env-default:"localhost:8000"`
	LogFile           string         `yaml:"log_file" env:"GODFS_NAMENODE_LOG_FILE"`
	ReplicationFactor int            `yaml:"replication_factor" env-default:"3"`
	HeartbeatTimeout  time.Duration  `yaml:"heartbeat_timeout" env-default:"30s"`
	ReaperInterval    time.Duration  `yaml:"reaper_interval" env-default:"10s"`
	RPCTimeout        time.Duration  `yaml:"rpc_timeout" env-default:"5s"`
	OrphanGrace       time.Duration  `yaml:"orphan_grace" env-default:"5m"`
	HealBackoff       BackoffConfig  `yaml:"heal_backoff"`
	Metadata          MetadataConfig `yaml:"metadata"`
}

type DataNodeConfig struct {
	Endpoint            string        `yaml:"endpoint" env:"GODFS_DATANODE_ENDPOINT" env-default:"localhost:8100"`
	NameNodeEndpoint    string        `yaml:"namenode_endpoint" env:"GODFS_NAMENODE_ENDPOINT" env-default:"localhost:8000"`
	DataDir             string        `yaml:"data_dir" env:"GODFS_DATANODE_DATA_DIR"`
	LogFile             string        `yaml:"log_file" env:"GODFS_DATANODE_LOG_FILE"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" env-default:"3s"`
	BlockReportInterval time.Duration `yaml:"block_report_interval" env-default:"30s"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout" env-default:"5s"`
	ReplicationBackoff  BackoffConfig `yaml:"replication_backoff"`
}

type ClientConfig struct {
	NameNodeEndpoint  string        `yaml:"namenode_endpoint" env:"GODFS_NAMENODE_ENDPOINT" env-default:"localhost:8000"`
	BlockSize         int64         `yaml:"block_size" env-default:"4194304"`
	ReplicationFactor int           `yaml:"replication_factor" env-default:"3"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout" env-default:"15s"`
}

// Load fills cfg from the YAML file at path, then from the environment.
// An empty path means defaults plus environment only.
func Load(path string, cfg any) error {
	if path == "" {
		return cleanenv.ReadEnv(cfg)
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return cleanenv.ReadConfig(path, cfg)
}

func MustLoad(path string, cfg any) {
	if err := Load(path, cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}
}
