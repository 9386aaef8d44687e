package mtproto

import (
	"slices"
	"sync"
	"time"

	"github.com/gotd/td/mt"
)

// saltMargin is how long before expiry a future salt stops being used.
const saltMargin = time.Minute

type salts struct {
	mux  sync.Mutex
	list []mt.FutureSalt
}

// Store replaces known future salts.
func (s *salts) Store(list []mt.FutureSalt) {
	list = slices.Clone(list)
	slices.SortFunc(list, func(a, b mt.FutureSalt) int {
		return a.ValidSince - b.ValidSince
	})

	s.mux.Lock()
	defer s.mux.Unlock()
	s.list = list
}

// Get returns salt valid at given server time, dropping expired ones.
func (s *salts) Get(now time.Time) (int64, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()

	deadline := now.Add(saltMargin).Unix()
	s.list = slices.DeleteFunc(s.list, func(salt mt.FutureSalt) bool {
		return int64(salt.ValidUntil) < deadline
	})
	for _, salt := range s.list {
		if int64(salt.ValidSince) <= now.Unix() {
			return salt.Salt, true
		}
	}
	return 0, false
}

// Len returns count of stored salts.
func (s *salts) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.list)
}

func (s *salts) Reset() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.list = nil
}
