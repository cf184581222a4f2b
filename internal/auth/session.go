package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Brownie44l1/webcore/internal/users"
)

// Session binds a user to the client address that logged in. Only the
// last-access time changes after creation.
type Session struct {
	ID   string
	User *users.User
	IP   string

	lastAccess atomic.Int64
}

func NewSession(user *users.User, ip string, now time.Time) *Session {
	s := &Session{
		ID:   sessionID(user.Username, ip, now),
		User: user,
		IP:   ip,
	}
	s.Touch(now)
	return s
}

// sessionID hashes username:ip:millis
func sessionID(username, ip string, now time.Time) string {
	sum := sha256.Sum256([]byte(username + ":" + ip + ":" + strconv.FormatInt(now.UnixMilli(), 10)))
	return hex.EncodeToString(sum[:])
}

// AppliesTo reports whether the session may serve a request from ip at
// now. A timeout of zero or less never expires.
func (s *Session) AppliesTo(ip string, now time.Time, timeout time.Duration) bool {
	if ip != s.IP {
		return false
	}
	if timeout <= 0 {
		return true
	}
	return now.Sub(s.LastAccess()) < timeout
}

func (s *Session) Touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// Store holds the live sessions keyed by cookie value. Expired
// sessions stay until they are looked up or Reap runs.
type Store struct {
	sessions *xsync.MapOf[string, *Session]
}

func NewStore() *Store {
	return &Store{sessions: xsync.NewMapOf[string, *Session]()}
}

// Get returns the session stored under key, or nil.
func (s *Store) Get(key string) *Session {
	sess, _ := s.sessions.Load(key)
	return sess
}

func (s *Store) Put(key string, sess *Session) {
	s.sessions.Store(key, sess)
}

func (s *Store) Delete(key string) {
	s.sessions.Delete(key)
}

func (s *Store) Len() int {
	return s.sessions.Size()
}

// Reap removes every session idle for timeout or longer and returns how
// many went.
func (s *Store) Reap(now time.Time, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	var expired []string
	s.sessions.Range(func(key string, sess *Session) bool {
		if now.Sub(sess.LastAccess()) >= timeout {
			expired = append(expired, key)
		}
		return true
	})
	n := 0
	for _, key := range expired {
		s.sessions.Compute(key, func(sess *Session, loaded bool) (*Session, bool) {
			if !loaded {
				return sess, true
			}
			// keep sessions touched since the scan
			if now.Sub(sess.LastAccess()) < timeout {
				return sess, false
			}
			n++
			return sess, true
		})
	}
	return n
}
