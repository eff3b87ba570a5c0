// Package walkie implements the pair-code signaling relay that bridges
// a local receiver page and a phone transmitter page. Sessions are held
// in memory, authenticated by per-role bearer tokens, and swept lazily
// on every operation.
package walkie

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/lecternhq/lectern/internal/ring"
	"github.com/lecternhq/lectern/internal/runlog"
)

const (
	// SignalQueueCap bounds each role's pending signal queue.
	SignalQueueCap = 300
	// MinSessionTTL is the floor applied to configured session TTLs.
	MinSessionTTL = 10 * time.Second
	// MinPullTimeout and MaxPullTimeout clamp long-poll waits.
	MinPullTimeout = 100 * time.Millisecond
	MaxPullTimeout = 25 * time.Second

	pairCodeAttempts = 40
	pollInterval     = 150 * time.Millisecond
)

// Role identifies a session participant.
type Role string

const (
	RoleReceiver    Role = "receiver"
	RoleTransmitter Role = "transmitter"
)

// ValidRole reports whether s names a session role.
func ValidRole(s string) bool {
	return Role(s) == RoleReceiver || Role(s) == RoleTransmitter
}

// signalTypes is the closed set of accepted signal types.
var signalTypes = map[string]bool{
	"offer":     true,
	"answer":    true,
	"ptt_state": true,
	"heartbeat": true,
}

var (
	ErrPairCodeExhausted    = errors.New("walkie: pair code generation failed")
	ErrMissingPairCode      = errors.New("walkie: missing pair code")
	ErrPairCodeNotFound     = errors.New("walkie: pair code not found")
	ErrSessionNotFound      = errors.New("walkie: session not found")
	ErrSessionClosed        = errors.New("walkie: session closed")
	ErrSessionExpired       = errors.New("walkie: session expired")
	ErrMissingToken         = errors.New("walkie: missing token")
	ErrInvalidToken         = errors.New("walkie: invalid token")
	ErrInvalidToRole        = errors.New("walkie: invalid to role")
	ErrInvalidSignalType    = errors.New("walkie: invalid signal type")
	ErrCannotSignalSameRole = errors.New("walkie: cannot signal same role")
)

// ErrorCode returns the wire error string for a relay error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPairCodeExhausted):
		return "pair_code_generation_failed"
	case errors.Is(err, ErrMissingPairCode):
		return "missing_pair_code"
	case errors.Is(err, ErrPairCodeNotFound):
		return "pair_code_not_found"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrInvalidToRole):
		return "invalid_to_role"
	case errors.Is(err, ErrInvalidSignalType):
		return "invalid_signal_type"
	case errors.Is(err, ErrCannotSignalSameRole):
		return "cannot_signal_same_role"
	}
	return "internal_error"
}

// Signal is one relayed message between session roles.
type Signal struct {
	Type    string `json:"type"`
	From    Role   `json:"from"`
	To      Role   `json:"to"`
	Payload any    `json:"payload"`
	TsMs    int64  `json:"ts_ms"`
}

type session struct {
	id               string
	pairCode         string
	flowRunID        string
	receiverToken    string
	transmitterToken string
	createdMs        int64
	expiresMs        int64
	closed           bool
	queues           map[Role]*ring.Buffer[Signal]
	lastSeen         map[Role]int64
}

func (s *session) queue(role Role) *ring.Buffer[Signal] {
	q, ok := s.queues[role]
	if !ok {
		q = ring.New[Signal](SignalQueueCap)
		s.queues[role] = q
	}
	return q
}

// Options configures a Relay.
type Options struct {
	Log *runlog.Log
	// SessionTTL is the lifetime of a session from creation. Values
	// under MinSessionTTL are raised to it.
	SessionTTL time.Duration
	// Now returns the current time in unix milliseconds. Defaults to
	// the wall clock.
	Now func() int64
}

// Relay owns the walkie session table. Safe for concurrent use.
type Relay struct {
	mu         sync.Mutex
	sessions   map[string]*session
	byPairCode map[string]string
	log        *runlog.Log
	ttlMs      int64
	now        func() int64
}

// New creates a Relay with the given session TTL.
func New(opts Options) *Relay {
	ttl := opts.SessionTTL
	if ttl < MinSessionTTL {
		ttl = MinSessionTTL
	}
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Relay{
		sessions:   map[string]*session{},
		byPairCode: map[string]string{},
		log:        opts.Log,
		ttlMs:      ttl.Milliseconds(),
		now:        now,
	}
}

// CreateResult is returned to the receiver that opened a session.
type CreateResult struct {
	SessionID     string
	PairCode      string
	ReceiverToken string
	ExpiresAtMs   int64
	FlowRunID     string
}

// Create opens a session, assigns an unused 6-digit pair code and
// issues the receiver token.
func (r *Relay) Create(flowRunID string) (CreateResult, error) {
	nowMs := r.now()

	r.mu.Lock()
	r.pruneLocked()

	pairCode := ""
	for i := 0; i < pairCodeAttempts; i++ {
		code := newPairCode()
		if _, taken := r.byPairCode[code]; !taken {
			pairCode = code
			break
		}
	}
	if pairCode == "" {
		r.mu.Unlock()
		return CreateResult{}, ErrPairCodeExhausted
	}

	sess := &session{
		id:            fmt.Sprintf("walkie-%d-%s", nowMs, randHex(4)),
		pairCode:      pairCode,
		flowRunID:     flowRunID,
		receiverToken: newToken(),
		createdMs:     nowMs,
		expiresMs:     nowMs + r.ttlMs,
		queues:        map[Role]*ring.Buffer[Signal]{},
		lastSeen:      map[Role]int64{RoleReceiver: nowMs},
	}
	r.sessions[sess.id] = sess
	r.byPairCode[pairCode] = sess.id
	r.mu.Unlock()

	r.log.Record("walkie_session_created", map[string]any{
		"session_id":  sess.id,
		"pair_code":   pairCode,
		"flow_run_id": flowRunID,
		"expires_at":  sess.expiresMs,
	}, "info")

	return CreateResult{
		SessionID:     sess.id,
		PairCode:      pairCode,
		ReceiverToken: sess.receiverToken,
		ExpiresAtMs:   sess.expiresMs,
		FlowRunID:     flowRunID,
	}, nil
}

// JoinResult is returned to the transmitter that paired with a code.
type JoinResult struct {
	SessionID        string
	TransmitterToken string
	ExpiresAtMs      int64
	FlowRunID        string
}

// Join pairs a transmitter with the session behind pairCode and issues
// a fresh transmitter token. A repeat join replaces the previous token,
// so the latest device wins.
func (r *Relay) Join(pairCode string) (JoinResult, error) {
	pairCode = strings.TrimSpace(pairCode)
	if pairCode == "" {
		r.logRejected("missing_pair_code", nil)
		return JoinResult{}, ErrMissingPairCode
	}

	r.mu.Lock()
	r.pruneLocked()

	sessionID, ok := r.byPairCode[pairCode]
	if !ok {
		r.mu.Unlock()
		r.logRejected("pair_code_not_found", map[string]any{"pair_code": pairCode})
		return JoinResult{}, ErrPairCodeNotFound
	}
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		r.logRejected("session_not_found", map[string]any{"pair_code": pairCode})
		return JoinResult{}, ErrSessionNotFound
	}

	nowMs := r.now()
	if sess.closed || nowMs > sess.expiresMs {
		r.mu.Unlock()
		r.logRejected("session_expired", map[string]any{"session_id": sessionID, "pair_code": pairCode})
		return JoinResult{}, ErrSessionExpired
	}

	sess.transmitterToken = newToken()
	sess.lastSeen[RoleTransmitter] = nowMs
	res := JoinResult{
		SessionID:        sessionID,
		TransmitterToken: sess.transmitterToken,
		ExpiresAtMs:      sess.expiresMs,
		FlowRunID:        sess.flowRunID,
	}
	r.mu.Unlock()

	r.log.Record("walkie_session_joined", map[string]any{
		"session_id":  sessionID,
		"pair_code":   pairCode,
		"flow_run_id": res.FlowRunID,
	}, "info")
	return res, nil
}

// Push relays a signal from the authenticated role to the other role.
// Heartbeats refresh liveness and are queued like any signal but do not
// produce a log event.
func (r *Relay) Push(sessionID, token string, to Role, signalType string, payload any) error {
	signalType = strings.ToLower(strings.TrimSpace(signalType))
	if !ValidRole(string(to)) {
		r.logRejected("invalid_to_role", map[string]any{"to": to, "session_id": sessionID})
		return ErrInvalidToRole
	}
	if !signalTypes[signalType] {
		r.logRejected("invalid_signal_type", map[string]any{"type": signalType, "session_id": sessionID})
		return ErrInvalidSignalType
	}

	r.mu.Lock()
	r.pruneLocked()

	sess, role, err := r.authLocked(sessionID, token)
	if err != nil {
		r.mu.Unlock()
		r.logRejected(ErrorCode(err), map[string]any{"session_id": sessionID, "type": signalType})
		return err
	}
	if role == to {
		r.mu.Unlock()
		r.logRejected("cannot_signal_same_role", map[string]any{"session_id": sessionID, "role": role, "to": to})
		return ErrCannotSignalSameRole
	}

	tsMs := r.now()
	sess.queue(to).Append(Signal{Type: signalType, From: role, To: to, Payload: payload, TsMs: tsMs})
	sess.lastSeen[role] = tsMs
	flowRunID := sess.flowRunID
	r.mu.Unlock()

	eventByType := map[string]string{
		"offer":     "walkie_signal_offer",
		"answer":    "walkie_signal_answer",
		"ptt_state": "walkie_ptt_state",
	}
	if event, ok := eventByType[signalType]; ok {
		r.log.Record(event, map[string]any{
			"session_id":  sessionID,
			"flow_run_id": flowRunID,
			"from_role":   role,
			"to_role":     to,
			"payload":     payload,
		}, "info")
	}
	return nil
}

// Pull long-polls the caller's own signal queue, draining everything
// queued so far. It returns an empty batch once timeout elapses with
// nothing pending; the lock is never held while waiting.
func (r *Relay) Pull(ctx context.Context, sessionID, token string, timeout time.Duration) (Role, []Signal, error) {
	if timeout < MinPullTimeout {
		timeout = MinPullTimeout
	}
	if timeout > MaxPullTimeout {
		timeout = MaxPullTimeout
	}
	deadline := r.now() + timeout.Milliseconds()

	for {
		r.mu.Lock()
		r.pruneLocked()
		sess, role, err := r.authLocked(sessionID, token)
		if err != nil {
			r.mu.Unlock()
			r.logRejected(ErrorCode(err), map[string]any{"session_id": sessionID, "action": "pull"})
			return "", nil, err
		}
		if q := sess.queue(role); q.Len() > 0 {
			out := q.Drain()
			sess.lastSeen[role] = r.now()
			r.mu.Unlock()
			return role, out, nil
		}
		r.mu.Unlock()

		if r.now() >= deadline {
			return "", []Signal{}, nil
		}
		select {
		case <-ctx.Done():
			return "", []Signal{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Close ends a session for both roles and frees its pair code. Returns
// the role that closed it.
func (r *Relay) Close(sessionID, token string) (Role, error) {
	r.mu.Lock()
	r.pruneLocked()

	sess, role, err := r.authLocked(sessionID, token)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	sess.closed = true
	if id, ok := r.byPairCode[sess.pairCode]; ok && id == sess.id {
		delete(r.byPairCode, sess.pairCode)
	}
	delete(r.sessions, sess.id)
	flowRunID := sess.flowRunID
	r.mu.Unlock()

	r.log.Record("walkie_session_closed", map[string]any{
		"session_id":  sessionID,
		"closed_by":   role,
		"flow_run_id": flowRunID,
	}, "info")
	return role, nil
}

// ActiveSessions reports the number of live sessions after a sweep.
func (r *Relay) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.sessions)
}

// authLocked resolves a session and the role behind token.
func (r *Relay) authLocked(sessionID, token string) (*session, Role, error) {
	sess, ok := r.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, "", ErrSessionNotFound
	}
	if sess.closed {
		return nil, "", ErrSessionClosed
	}
	if r.now() > sess.expiresMs {
		return nil, "", ErrSessionExpired
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, "", ErrMissingToken
	}
	if token == sess.receiverToken {
		return sess, RoleReceiver, nil
	}
	if sess.transmitterToken != "" && token == sess.transmitterToken {
		return sess, RoleTransmitter, nil
	}
	return nil, "", ErrInvalidToken
}

// pruneLocked sweeps closed and expired sessions, logging one expiry
// event per session that was not explicitly closed.
func (r *Relay) pruneLocked() {
	nowMs := r.now()
	var stale []*session
	for _, sess := range r.sessions {
		if sess.closed || nowMs > sess.expiresMs {
			stale = append(stale, sess)
		}
	}
	for _, sess := range stale {
		delete(r.sessions, sess.id)
		if id, ok := r.byPairCode[sess.pairCode]; ok && id == sess.id {
			delete(r.byPairCode, sess.pairCode)
		}
		if !sess.closed {
			r.log.Record("walkie_session_expired", map[string]any{
				"session_id":  sess.id,
				"pair_code":   sess.pairCode,
				"flow_run_id": sess.flowRunID,
			}, "warn")
		}
	}
}

func (r *Relay) logRejected(reason string, extra map[string]any) {
	data := map[string]any{"reason": reason}
	for k, v := range extra {
		data[k] = v
	}
	r.log.Record("walkie_signal_rejected", data, "warn")
}

func newPairCode() string {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand is the process entropy source; if it fails
			// nothing else in the relay is trustworthy either.
			panic(fmt.Sprintf("walkie: pair code entropy: %v", err))
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String()
}

func newToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("walkie: token entropy: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("walkie: session id entropy: %v", err))
	}
	return fmt.Sprintf("%x", b)
}
