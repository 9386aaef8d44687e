// Copyright (C) 2026 The mtcore Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config contains the YAML configuration of mtcore.
package config

import (
	_ "embed"
	"os"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"go.mau.fi/mtcore/pkg/dcconfig"
	"go.mau.fi/mtcore/pkg/mtproto"
)

//go:embed example-config.yaml
var ExampleConfig string

type DeviceInfo struct {
	DeviceModel    string `yaml:"device_model"`
	SystemVersion  string `yaml:"system_version"`
	AppVersion     string `yaml:"app_version"`
	SystemLangCode string `yaml:"system_lang_code"`
	LangPack       string `yaml:"lang_pack"`
	LangCode       string `yaml:"lang_code"`
}

func (d DeviceInfo) Device() mtproto.Device {
	return mtproto.Device{
		DeviceModel:    d.DeviceModel,
		SystemVersion:  d.SystemVersion,
		AppVersion:     d.AppVersion,
		SystemLangCode: d.SystemLangCode,
		LangPack:       d.LangPack,
		LangCode:       d.LangCode,
	}
}

type DCConfig struct {
	ID   int    `yaml:"id"`
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Type    string `yaml:"type"`
	URI     string `yaml:"uri"`
	Account string `yaml:"account"`
}

type TransportConfig struct {
	Kind           string `yaml:"kind"`
	SOCKS5         string `yaml:"socks5"`
	SOCKS5Username string `yaml:"socks5_username"`
	SOCKS5Password string `yaml:"socks5_password"`
}

type Config struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`

	DeviceInfo DeviceInfo `yaml:"device_info"`

	DCs        []DCConfig `yaml:"dcs"`
	MainDC     int        `yaml:"main_dc"`
	PublicKeys string     `yaml:"public_keys"`

	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`

	Ping struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		TimeoutSeconds  int `yaml:"timeout_seconds"`
	} `yaml:"ping"`

	ConfigLoader struct {
		EnumTimeoutSeconds int `yaml:"enum_timeout_seconds"`
		MaxRounds          int `yaml:"max_rounds"`
	} `yaml:"config_loader"`

	MaxFloodWaitSeconds int `yaml:"max_flood_wait_seconds"`

	Logging struct {
		MinLevel string `yaml:"min_level"`
	} `yaml:"logging"`
}

// Parse reads config on top of the example one, so omitted fields keep
// their defaults. A present dcs list replaces the default one.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, errors.Wrap(err, "parse example config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return &cfg, nil
}

// Load reads and validates config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIID == 0 {
		return errors.New("api_id is required")
	}
	if c.APIHash == "" {
		return errors.New("api_hash is required")
	}
	if len(c.DCs) == 0 {
		return errors.New("at least one DC is required")
	}
	for _, dc := range c.DCs {
		if dc.ID <= 0 || dc.IP == "" || dc.Port <= 0 {
			return errors.Errorf("invalid DC entry %+v", dc)
		}
	}
	if !slices.Contains([]string{"tcp", "websocket"}, c.Transport.Kind) {
		return errors.Errorf("unsupported transport: %s", c.Transport.Kind)
	}
	if c.ConfigLoader.MaxRounds < 0 {
		return errors.New("config_loader.max_rounds must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.Logging.MinLevel); err != nil {
		return errors.Wrap(err, "logging.min_level")
	}
	return nil
}

func (c *Config) Bootstrap() []dcconfig.Option {
	opts := make([]dcconfig.Option, 0, len(c.DCs))
	for _, dc := range c.DCs {
		opts = append(opts, dcconfig.Option{DC: dc.ID, IP: dc.IP, Port: dc.Port})
	}
	return opts
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Ping.IntervalSeconds) * time.Second
}

func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.Ping.TimeoutSeconds) * time.Second
}

func (c *Config) EnumTimeout() time.Duration {
	return time.Duration(c.ConfigLoader.EnumTimeoutSeconds) * time.Second
}

func (c *Config) MaxFloodWait() time.Duration {
	return time.Duration(c.MaxFloodWaitSeconds) * time.Second
}

func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Logging.MinLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
