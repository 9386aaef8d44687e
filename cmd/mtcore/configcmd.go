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
	"time"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/pflag"
)

func configCommand(ctx context.Context, args []string) error {
	var (
		c       common
		timeout time.Duration
	)
	fs := pflag.NewFlagSet("mtcore config", pflag.ContinueOnError)
	c.addFlags(fs)
	fs.DurationVar(&timeout, "timeout", time.Minute, "how long to wait for config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := c.setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = e.inst.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	if err := e.inst.ConfigLoader().Wait(waitCtx); err != nil {
		return err
	}
	cfg, _ := e.inst.ConfigLoader().Config()
	_, err = pp.Println(cfg)
	return err
}
