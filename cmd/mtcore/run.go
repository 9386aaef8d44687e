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

	"github.com/go-faster/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func runCommand(ctx context.Context, args []string) error {
	var c common
	fs := pflag.NewFlagSet("mtcore run", pflag.ContinueOnError)
	c.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := c.setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	go func() {
		if err := e.inst.ConfigLoader().Wait(ctx); err != nil {
			if ctx.Err() == nil {
				log.Err(err).Msg("Config unavailable")
			}
			return
		}
		cfg, _ := e.inst.ConfigLoader().Config()
		log.Info().
			Int("this_dc", cfg.ThisDC).
			Ints("known_dcs", e.inst.ConfigLoader().Table().KnownDCs()).
			Msg("Config loaded")
	}()

	log.Info().Int("main_dc", e.inst.Registry().MainDC()).Msg("Starting")
	if err := e.inst.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Stopped")
	return nil
}
