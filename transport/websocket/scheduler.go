package websocket

import (
	"context"
	"time"

	"github.com/efecan0/binaryrpc-framework/qos"
)

// retryLoop is the single scheduler task: every tick it re-drives due
// QoS-1 and QoS-2 entries on each live connection and reaps expired
// sessions. It never holds the connection-set lock across a send, and it
// exits within one tick of Stop.
func (s *Server) retryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			for _, c := range s.snapshotConns() {
				s.processRetries(c, now)
			}
			s.sessions.Reap(now)
		case <-s.stopCh:
			return
		}
	}
}

// processRetries walks one connection's pending tables under their own
// locks, resending due frames and evicting exhausted entries.
func (s *Server) processRetries(c *wsConn, now time.Time) {
	st := c.sess.QoS
	opts := s.options()

	st.WalkDue1(now, func(id uint64, info *qos.FrameInfo) (keep bool) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("qos1 retry failed, dropping entry", "sid", c.sess.ID(), "id", id, "panic", r)
				keep = false
			}
		}()
		if opts.MaxRetry > 0 && info.RetryCount >= opts.MaxRetry {
			s.logger.Debug("qos1 retries exhausted", "sid", c.sess.ID(), "id", id)
			return false
		}
		if !s.send(c, info.Frame) {
			// Connection gone or saturated; try again next tick.
			return true
		}
		info.RetryCount++
		info.NextRetry = now.Add(opts.Backoff.NextDelay(info.RetryCount))
		s.metrics.Retry(context.Background())
		return true
	})

	st.WalkDue2(now, func(id uint64, meta *qos.Q2Meta) (keep bool) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("qos2 retry failed, dropping entry", "sid", c.sess.ID(), "id", id, "panic", r)
				keep = false
			}
		}()
		if opts.MaxRetry > 0 && meta.RetryCount >= opts.MaxRetry {
			s.logger.Debug("qos2 retries exhausted",
				"sid", c.sess.ID(), "id", id, "stage", meta.Stage)
			return false
		}
		if !s.send(c, meta.Frame) {
			return true
		}
		meta.RetryCount++
		meta.LastTouched = now
		meta.NextRetry = now.Add(opts.Backoff.NextDelay(meta.RetryCount))
		s.metrics.Retry(context.Background())
		return true
	})
}
