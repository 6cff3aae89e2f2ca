package ducttape

import (
	"log/slog"
	"time"

	"github.com/fcmesh/fcmeshd/internal/cryptoauth"
)

// -------------------------------------------------------------------------
// Outer-Session Registry
// -------------------------------------------------------------------------

// outerSession is one peer-to-peer session and its registry bookkeeping.
type outerSession struct {
	sess    *cryptoauth.Session
	addedAt time.Time
}

// sessionRegistry maps switch labels to outer sessions. Both directions
// share one key space: the un-reversed ingress label of a peer equals the
// forward label of the route back to it, so lookups on receive and send
// land on the same entry. At most one session exists per label; a
// collision (two peers claiming one label) resolves to whichever won the
// race, and the session handshake rejects the impostor's key.
//
// The registry is owned by the single dispatch loop and needs no locking.
// Insertion is time-stamped; eviction policy is the owner's business via
// expireOlderThan (exported as Core.ExpireOuterSessions), driven from
// between-frame maintenance.
type sessionRegistry struct {
	ca       *cryptoauth.CryptoAuth
	sessions map[uint64]*outerSession
	logger   *slog.Logger
	now      func() time.Time
}

// newSessionRegistry creates an empty registry minting sessions from ca.
func newSessionRegistry(ca *cryptoauth.CryptoAuth, logger *slog.Logger) *sessionRegistry {
	return &sessionRegistry{
		ca:       ca,
		sessions: make(map[uint64]*outerSession),
		logger:   logger,
		now:      time.Now,
	}
}

// get returns the session for a label, creating it if absent. peerKey may
// be zero when the counterparty is unknown (first receipt from a new
// label); the session then learns the key during its handshake. A non-zero
// peerKey on a later get does not re-key an existing session.
func (r *sessionRegistry) get(label uint64, peerKey [cryptoauth.KeySize]byte) *cryptoauth.Session {
	if e, ok := r.sessions[label]; ok {
		return e.sess
	}
	e := &outerSession{sess: r.ca.NewSession(peerKey), addedAt: r.now()}
	r.sessions[label] = e
	r.logger.Debug("outer session created",
		slog.Uint64("label", label),
		slog.Bool("key_known", peerKey != [cryptoauth.KeySize]byte{}),
	)
	return e.sess
}

// len returns the number of live sessions.
func (r *sessionRegistry) len() int { return len(r.sessions) }

// expireOlderThan drops sessions inserted before cutoff and returns how
// many were dropped. Unbounded registry growth is a denial-of-service
// vector; the daemon drives this between frames.
func (r *sessionRegistry) expireOlderThan(cutoff time.Time) int {
	dropped := 0
	for label, e := range r.sessions {
		if e.addedAt.Before(cutoff) {
			delete(r.sessions, label)
			dropped++
		}
	}
	return dropped
}
