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

package store

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
	"github.com/gotd/td/crypto"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/mtcore/pkg/dcs"
)

// KeyStore is the persisted key set of one account.
type KeyStore struct {
	db      *dbutil.Database
	account string
}

var _ dcs.Storage = (*KeyStore)(nil)

const (
	loadKeysQuery   = `SELECT dc_id, auth_key, connection_inited FROM mtcore_auth_key WHERE account=$1 ORDER BY dc_id`
	deleteKeysQuery = `DELETE FROM mtcore_auth_key WHERE account=$1`
	insertKeyQuery  = `
		INSERT INTO mtcore_auth_key (account, dc_id, auth_key, connection_inited)
		VALUES ($1, $2, $3, $4)
	`
	loadMainDCQuery  = `SELECT dc_id FROM mtcore_main_dc WHERE account=$1`
	storeMainDCQuery = `
		INSERT INTO mtcore_main_dc (account, dc_id)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET dc_id=excluded.dc_id
	`
)

// LoadKeys loads key set of the account. Missing account yields empty state.
func (s *KeyStore) LoadKeys(ctx context.Context) (state dcs.State, err error) {
	err = s.db.QueryRow(ctx, loadMainDCQuery, s.account).Scan(&state.MainDC)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	} else if err != nil {
		return
	}

	rows, err := s.db.Query(ctx, loadKeysQuery, s.account)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e   dcs.Entry
			raw []byte
		)
		if err = rows.Scan(&e.ID, &raw, &e.ConnectionInited); err != nil {
			err = errors.Wrap(err, "scan key")
			return
		}
		if len(raw) != len(crypto.Key{}) {
			err = errors.Errorf("stored key of DC %d has %d bytes", e.ID, len(raw))
			return
		}
		var key crypto.Key
		copy(key[:], raw)
		e.Key = key.WithID()
		state.Entries = append(state.Entries, e)
	}
	err = rows.Err()
	return
}

// StoreKeys replaces the whole key set in one transaction.
func (s *KeyStore) StoreKeys(ctx context.Context, state dcs.State) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, deleteKeysQuery, s.account); err != nil {
			return err
		}
		for _, e := range state.Entries {
			if !e.HasKey() {
				continue
			}
			if _, err := s.db.Exec(ctx, insertKeyQuery, s.account, e.ID, e.Key.Value[:], e.ConnectionInited); err != nil {
				return err
			}
		}
		if state.MainDC != 0 {
			if _, err := s.db.Exec(ctx, storeMainDCQuery, s.account, state.MainDC); err != nil {
				return err
			}
		}
		return nil
	})
}
