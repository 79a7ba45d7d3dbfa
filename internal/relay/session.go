package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	sendRetryInterval = 10 * time.Millisecond
	sendRetries       = 500
)

type outbound struct {
	id    string
	frame []byte
}

// session is a registered connection. While a backlog sweep is running, live
// deliveries are queued so they reach the client after the backlog.
type session struct {
	conn     Conn
	userID   string
	userName string

	mu      sync.Mutex
	sweeps  int
	pending []outbound
	swept   map[string]struct{}
}

func newSession(conn Conn, reg Registration) *session {
	return &session{
		conn:     conn,
		userID:   reg.UserID,
		userName: reg.UserName,
		swept:    make(map[string]struct{}),
	}
}

func (s *session) ID() string { return s.conn.ID() }
func (s *session) Close()     { s.conn.Close() }

// deliver hands a live message to the connection, or queues it while a sweep
// is in progress. Messages already replayed by a sweep are dropped.
func (s *session) deliver(id string, frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.swept[id]; dup {
		return true
	}
	if s.sweeps > 0 {
		s.pending = append(s.pending, outbound{id: id, frame: frame})
		return true
	}
	return s.conn.Send(frame)
}

func (s *session) beginSweep() {
	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()
}

// claim reserves id for a backlog replay. It reports false when id was
// already replayed on this session.
func (s *session) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.swept[id]; dup {
		return false
	}
	s.swept[id] = struct{}{}
	return true
}

// endSweep flushes frames queued during the sweep and, once no sweep is left
// running, sends final if it is non-nil.
func (s *session) endSweep(ctx context.Context, final []byte) {
	s.mu.Lock()
	s.sweeps--
	for s.sweeps == 0 && len(s.pending) > 0 {
		batch := make([]outbound, 0, len(s.pending))
		for _, out := range s.pending {
			if _, dup := s.swept[out.id]; !dup {
				batch = append(batch, out)
			}
		}
		s.pending = nil
		// keep the gate closed while the batch is written
		s.sweeps++
		s.mu.Unlock()
		for _, out := range batch {
			if err := s.sendWait(ctx, out.frame); err != nil {
				break
			}
		}
		s.mu.Lock()
		s.sweeps--
	}
	if s.sweeps == 0 && final != nil {
		s.conn.Send(final)
	}
	s.mu.Unlock()
}

// sendWait retries Send while the connection's buffer is full.
func (s *session) sendWait(ctx context.Context, frame []byte) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(sendRetryInterval), sendRetries), ctx)
	return backoff.Retry(func() error {
		select {
		case <-s.conn.Done():
			return backoff.Permanent(errConnClosed)
		default:
		}
		if s.conn.Send(frame) {
			return nil
		}
		return errSendBufferFull
	}, b)
}
