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
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.mau.fi/zerozap"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/tgtest"
)

func testServerCommand(ctx context.Context, args []string) error {
	var (
		listen string
		dcs    []int
		debug  bool
	)
	fs := pflag.NewFlagSet("mtcore testserver", pflag.ContinueOnError)
	fs.StringVar(&listen, "listen", "127.0.0.1:8080", "address to listen on")
	fs.IntSliceVar(&dcs, "dcs", []int{1, 2, 3}, "DC ids to serve")
	fs.BoolVar(&debug, "debug", false, "log every received message")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

	host, rawPort, err := net.SplitHostPort(listen)
	if err != nil {
		return errors.Wrap(err, "parse listen address")
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return errors.Wrap(err, "parse listen port")
	}
	if host == "" {
		host = "127.0.0.1"
	}

	cluster := tgtest.NewCluster(tgtest.ClusterOptions{
		DCs:    dcs,
		Logger: zap.New(zerozap.New(log.Logger)).Named("cluster"),
		Host:   host,
		Port:   port,
	})
	defer cluster.Close()

	srv := &http.Server{
		Addr:              listen,
		Handler:           cluster.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", listen).Ints("dcs", dcs).Msg("Serving test cluster at /apiws/{dc}")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
