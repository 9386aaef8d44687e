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

package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gotd/td/crypto"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/store"
)

func newContainer(t *testing.T) *store.Container {
	t.Helper()
	db, err := dbutil.NewWithDialect(filepath.Join(t.TempDir(), "mtcore.db"), "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := store.NewStore(db, dbutil.NoopLogger)
	require.NoError(t, c.Upgrade(context.Background()))
	return c
}

func testKey(b byte) crypto.AuthKey {
	var k crypto.Key
	for i := range k {
		k[i] = b + byte(i)
	}
	return k.WithID()
}

func TestKeyStore_Empty(t *testing.T) {
	a := require.New(t)
	state, err := newContainer(t).GetKeyStore("main").LoadKeys(context.Background())
	a.NoError(err)
	a.Zero(state.MainDC)
	a.Empty(state.Entries)
}

func TestKeyStore_Roundtrip(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	c := newContainer(t)
	ks := c.GetKeyStore("main")

	a.NoError(ks.StoreKeys(ctx, dcs.State{
		MainDC: 4,
		Entries: []dcs.Entry{
			{ID: 2, Key: testKey(2), ConnectionInited: true},
			{ID: 1, Key: testKey(1)},
			{ID: 3},
		},
	}))
	state, err := ks.LoadKeys(ctx)
	a.NoError(err)
	a.Equal(4, state.MainDC)
	a.Equal([]dcs.Entry{
		{ID: 1, Key: testKey(1)},
		{ID: 2, Key: testKey(2), ConnectionInited: true},
	}, state.Entries)

	// Storing replaces the whole set.
	a.NoError(ks.StoreKeys(ctx, dcs.State{
		MainDC:  2,
		Entries: []dcs.Entry{{ID: 2, Key: testKey(9)}},
	}))
	state, err = ks.LoadKeys(ctx)
	a.NoError(err)
	a.Equal(2, state.MainDC)
	a.Equal([]dcs.Entry{{ID: 2, Key: testKey(9)}}, state.Entries)

	other, err := c.GetKeyStore("other").LoadKeys(ctx)
	a.NoError(err)
	a.Empty(other.Entries)
}

func TestKeyStore_Registry(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	ks := newContainer(t).GetKeyStore("main")

	reg := dcs.NewRegistry(dcs.Options{Storage: ks})
	a.NoError(reg.Load(ctx))
	a.NoError(reg.SetKey(ctx, 2, testKey(7)))
	reg.SetConnectionInited(2, true)
	a.NoError(reg.SetMainDC(ctx, 4, false))

	restored := dcs.NewRegistry(dcs.Options{Storage: ks})
	a.NoError(restored.Load(ctx))
	key, ok := restored.Key(2)
	a.True(ok)
	a.Equal(testKey(7), key)
	a.Equal(4, restored.MainDC())
}
