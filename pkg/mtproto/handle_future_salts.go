package mtproto

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/mt"
	"go.uber.org/zap"
)

func (s *Session) handleFutureSalts(b *bin.Buffer) error {
	var res mt.FutureSalts
	if err := res.Decode(b); err != nil {
		return errors.Wrap(err, "decode")
	}

	s.salts.Store(res.Salts)
	s.data.Take(res.ReqMsgID)

	serverTime := time.Unix(int64(res.Now), 0)
	s.log.Debug("Got future salts",
		zap.Time("server_time", serverTime),
		zap.Int("count", len(res.Salts)),
	)
	return nil
}

// rotateSalt switches to a stored future salt once the current one expires.
func (s *Session) rotateSalt() {
	salt, ok := s.salts.Get(s.now())
	if !ok || salt == s.data.Salt() {
		return
	}
	s.log.Debug("Switching to future salt")
	s.data.SetSalt(salt)
}
