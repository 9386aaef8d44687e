package mtproto

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/mt"
	"go.uber.org/zap"
)

// futureSaltsLow is the count of stored salts that triggers refill.
const futureSaltsLow = 2

func (s *Session) pingLoop(ctx context.Context) error {
	ping := s.clock.Ticker(s.opts.PingInterval)
	defer ping.Stop()

	check := s.clock.Ticker(s.opts.ResendTimeout / 2)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-check.C():
			s.queryStale()
		case <-ping.C():
			if since := s.clock.Now().Sub(s.lastPong.Load()); since > s.opts.PingInterval+s.opts.PingTimeout {
				return errors.Errorf("no pong for %s", since)
			}
			if _, err := s.Ping(); err != nil {
				s.log.Warn("Failed to send ping", zap.Error(err))
			}
			if s.salts.Len() < futureSaltsLow {
				if _, err := s.SendPrepared(&mt.GetFutureSaltsRequest{Num: 64}, true, 0); err != nil {
					s.log.Warn("Failed to request future salts", zap.Error(err))
				}
			}
		}
	}
}
