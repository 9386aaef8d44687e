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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tmap"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zerozap"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"go.mau.fi/mtcore/internal/config"
	"go.mau.fi/mtcore/pkg/exchange"
	"go.mau.fi/mtcore/pkg/mtp"
	"go.mau.fi/mtcore/pkg/store"
	"go.mau.fi/mtcore/pkg/tgtest"
	"go.mau.fi/mtcore/pkg/transport"
)

// common holds flags shared by commands that start an instance.
type common struct {
	configPath  string
	testCluster bool
}

func (c *common) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "config.yaml", "path to config file")
	fs.BoolVar(&c.testCluster, "test-cluster", false, "connect to an in-process test cluster instead of the configured DCs")
}

func setupLogging(cfg *config.Config) *zap.Logger {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(cfg.LogLevel())
	return zap.New(zerozap.New(log.Logger))
}

// env is everything a started instance needs, closed in reverse order.
type env struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *dbutil.Database
	inst    *mtp.Instance
	cluster *tgtest.Cluster
}

func (c *common) setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: setupLogging(cfg)}

	e.db, err = dbutil.NewWithDialect(cfg.Database.URI, cfg.Database.Type)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	container := store.NewStore(e.db, dbutil.ZeroLogger(log.Logger.With().Str("db_section", "mtcore").Logger()))
	if err := container.Upgrade(ctx); err != nil {
		_ = e.db.Close()
		return nil, errors.Wrap(err, "upgrade database")
	}

	opt := mtp.Options{
		Logger:       e.log,
		Storage:      container.GetKeyStore(cfg.Database.Account),
		MainDC:       cfg.MainDC,
		Bootstrap:    cfg.Bootstrap(),
		Handler:      updateLogger{log: e.log.Named("updates"), types: tmap.New(tg.TypesMap())},
		APIID:        cfg.APIID,
		Device:       cfg.DeviceInfo.Device(),
		PingInterval: cfg.PingInterval(),
		PingTimeout:  cfg.PingTimeout(),
		EnumTimeout:  cfg.EnumTimeout(),
		MaxRounds:    cfg.ConfigLoader.MaxRounds,
		MaxFloodWait: cfg.MaxFloodWait(),
		OnDCChange: func(changed []int) {
			log.Info().Ints("dcs", changed).Msg("DC addresses changed")
		},
	}
	if c.testCluster {
		e.cluster = tgtest.NewCluster(tgtest.ClusterOptions{
			DCs:    dcIDs(cfg),
			Logger: e.log.Named("cluster"),
		})
		opt.Dialer = e.cluster.Dialer()
		opt.Exchanger = e.cluster.Exchanger()
	} else {
		opt.Dialer = dialer(cfg.Transport)
		opt.Exchanger, err = exchanger(cfg, e.log)
		if err != nil {
			e.close()
			return nil, err
		}
	}

	e.inst, err = mtp.New(opt)
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *env) close() {
	if e.inst != nil {
		if err := e.inst.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close instance")
		}
	}
	if e.cluster != nil {
		e.cluster.Close()
	}
	if err := e.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
	_ = e.log.Sync()
}

func dcIDs(cfg *config.Config) []int {
	ids := make([]int, 0, len(cfg.DCs))
	for _, dc := range cfg.DCs {
		ids = append(ids, dc.ID)
	}
	return ids
}

func exchanger(cfg *config.Config, logger *zap.Logger) (exchange.Exchanger, error) {
	c := exchange.Client{Logger: logger}
	if cfg.PublicKeys == "" {
		return c, nil
	}
	data, err := os.ReadFile(cfg.PublicKeys)
	if err != nil {
		return nil, errors.Wrap(err, "read public keys")
	}
	if c.PublicKeys, err = exchange.ParsePublicKeys(data); err != nil {
		return nil, errors.Wrap(err, "public keys")
	}
	return c, nil
}

func dialer(cfg config.TransportConfig) transport.Dialer {
	switch cfg.Kind {
	case "websocket":
		return transport.Websocket{URL: func(dc int, addr string) string {
			return fmt.Sprintf("ws://%s/apiws/%d", addr, dc)
		}}
	default:
		t := transport.TCP{Proxy: cfg.SOCKS5}
		if cfg.SOCKS5Username != "" {
			t.ProxyAuth = &proxy.Auth{User: cfg.SOCKS5Username, Password: cfg.SOCKS5Password}
		}
		return t
	}
}
