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
	"fmt"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/tmap"
	"go.uber.org/zap"
)

// updateLogger logs type of every update pushed by the server.
type updateLogger struct {
	log   *zap.Logger
	types *tmap.Map
}

func (u updateLogger) OnMessage(b *bin.Buffer) error {
	id, err := b.PeekID()
	if err != nil {
		return err
	}
	name := u.types.Get(id)
	if name == "" {
		name = fmt.Sprintf("0x%x", id)
	}
	u.log.Info("Update", zap.String("type", name))
	return nil
}

func (u updateLogger) OnSession(firstMsgID int64) error {
	u.log.Debug("New session created", zap.Int64("first_msg_id", firstMsgID))
	return nil
}
