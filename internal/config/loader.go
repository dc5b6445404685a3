package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendNetworkManager = "networkmanager"
	BackendNetlink        = "netlink"
)

// File is the on-disk config.yaml. Every section is optional.
type File struct {
	Tunnel       TunnelConfig       `yaml:"tunnel"`
	Reconnection ReconnectionPolicy `yaml:"reconnection"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Log          LogConfig          `yaml:"log"`
}

// TunnelConfig describes how to launch the external VPN client.
type TunnelConfig struct {
	Command          string   `yaml:"command"`
	Protocol         string   `yaml:"protocol"`
	Server           string   `yaml:"server"`
	User             string   `yaml:"user"`
	Args             []string `yaml:"args"`
	PasswordCommand  string   `yaml:"password_command"`
	ReadyTimeoutSecs uint32   `yaml:"ready_timeout_secs"`
	// ProcessName is matched by cleanup; defaults to the base name of Command.
	ProcessName string `yaml:"process_name"`
}

type MonitorConfig struct {
	Backend          string `yaml:"backend"`
	ProbeTimeoutSecs uint32 `yaml:"probe_timeout_secs"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file exists.
func Default() File {
	return File{
		Tunnel: TunnelConfig{
			Command:          "openconnect",
			Protocol:         "f5",
			ReadyTimeoutSecs: 60,
		},
		Reconnection: DefaultPolicy(),
		Monitor: MonitorConfig{
			Backend:          BackendNetworkManager,
			ProbeTimeoutSecs: 5,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load 读取 YAML 配置文件
// 文件不存在时返回默认配置，未知字段和非法取值都会报错
func Load(path string) (File, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := Decode(bytes.NewReader(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode overlays the YAML document in r on top of cfg.
func Decode(r io.Reader, cfg *File) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every section.
func (f File) Validate() error {
	if err := f.Reconnection.Validate(); err != nil {
		return err
	}
	switch f.Monitor.Backend {
	case BackendNetworkManager, BackendNetlink:
	default:
		return &FieldError{Field: "monitor.backend", Value: f.Monitor.Backend, Reason: "must be networkmanager or netlink"}
	}
	if f.Monitor.ProbeTimeoutSecs < 1 || f.Monitor.ProbeTimeoutSecs > 60 {
		return &FieldError{Field: "monitor.probe_timeout_secs", Value: f.Monitor.ProbeTimeoutSecs, Reason: "must be between 1 and 60"}
	}
	if strings.TrimSpace(f.Tunnel.Command) == "" {
		return &FieldError{Field: "tunnel.command", Value: f.Tunnel.Command, Reason: "must not be empty"}
	}
	if f.Tunnel.ReadyTimeoutSecs < 5 || f.Tunnel.ReadyTimeoutSecs > 600 {
		return &FieldError{Field: "tunnel.ready_timeout_secs", Value: f.Tunnel.ReadyTimeoutSecs, Reason: "must be between 5 and 600"}
	}
	return nil
}

func (t TunnelConfig) ReadyTimeout() time.Duration {
	return time.Duration(t.ReadyTimeoutSecs) * time.Second
}

// Process returns the executable name used to find orphaned clients.
func (t TunnelConfig) Process() string {
	if t.ProcessName != "" {
		return t.ProcessName
	}
	return filepath.Base(t.Command)
}

func (m MonitorConfig) ProbeTimeout() time.Duration {
	return time.Duration(m.ProbeTimeoutSecs) * time.Second
}
