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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mtcore/internal/config"
	"go.mau.fi/mtcore/pkg/dcconfig"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse([]byte("api_id: 17\napi_hash: abc\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 17, cfg.APIID)
	assert.Len(t, cfg.DCs, 5)
	assert.Equal(t, 2, cfg.MainDC)
	assert.Equal(t, "tcp", cfg.Transport.Kind)
	assert.Equal(t, time.Minute, cfg.PingInterval())
	assert.Equal(t, 10*time.Second, cfg.PingTimeout())
	assert.Equal(t, 8*time.Second, cfg.EnumTimeout())
	assert.Equal(t, time.Minute, cfg.MaxFloodWait())
	assert.Zero(t, cfg.ConfigLoader.MaxRounds)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	assert.Equal(t, "mtcore", cfg.DeviceInfo.Device().DeviceModel)
}

func TestParse_Override(t *testing.T) {
	cfg, err := config.Parse([]byte(`
api_id: 17
api_hash: abc
dcs:
  - {id: 1, ip: 127.0.0.1, port: 8443}
transport:
  kind: websocket
config_loader:
  max_rounds: 3
logging:
  min_level: debug
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []dcconfig.Option{{DC: 1, IP: "127.0.0.1", Port: 8443}}, cfg.Bootstrap())
	assert.Equal(t, "websocket", cfg.Transport.Kind)
	assert.Equal(t, 3, cfg.ConfigLoader.MaxRounds)
	assert.Equal(t, 8*time.Second, cfg.EnumTimeout())
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
}

func TestValidate(t *testing.T) {
	for name, data := range map[string]string{
		"no api id":     "api_hash: abc\n",
		"no api hash":   "api_id: 17\n",
		"no dcs":        "api_id: 17\napi_hash: abc\ndcs: []\n",
		"bad dc":        "api_id: 17\napi_hash: abc\ndcs: [{id: 1, ip: '', port: 443}]\n",
		"bad transport": "api_id: 17\napi_hash: abc\ntransport: {kind: udp}\n",
		"bad rounds":    "api_id: 17\napi_hash: abc\nconfig_loader: {max_rounds: -1}\n",
		"bad level":     "api_id: 17\napi_hash: abc\nlogging: {min_level: loud}\n",
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.Parse([]byte(data))
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_id: 17\napi_hash: abc\n"), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.APIHash)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
