package peersync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/logging"
	"github.com/mkoval/authlink/internal/metrics"
	"github.com/mkoval/authlink/internal/msgauth"
	"github.com/mkoval/authlink/internal/nonce"
	"github.com/mkoval/authlink/internal/session"
	"github.com/mkoval/authlink/internal/timex"
)

// Message types carried inside the envelope.
const (
	TypeRequestSession = "REQUEST_SESSION"
	TypeProvideSession = "PROVIDE_SESSION"
	TypeSessionUpdate  = "SESSION_UPDATE"
	TypeKeyExchange    = "KEY_EXCHANGE"
)

const (
	// DefaultMaxMessageAge: older messages are dropped even when correctly
	// signed.
	DefaultMaxMessageAge = 5 * time.Minute

	// DefaultFutureSkew: tolerated clock drift for messages from the future.
	DefaultFutureSkew = 60 * time.Second

	// DefaultRequestTimeout bounds RequestSession. A timeout means "no peer
	// had a session", not an error.
	DefaultRequestTimeout = 5 * time.Second
)

type requestPayload struct {
	RequestID string `json:"request_id"`
}

type providePayload struct {
	RequestID string           `json:"request_id"`
	Session   *session.Session `json:"session"`
}

type updatePayload struct {
	Event   string           `json:"event"`
	Session *session.Session `json:"session,omitempty"`
}

type keyPayload struct {
	PublicKey string `json:"public_key"`
}

// ApplyFunc consumes a peer-verified session event. Event is one of the
// session.EventType values; sess is nil for a cleared event.
type ApplyFunc func(ctx context.Context, event string, sess *session.Session) error

// Options configure a Protocol instance.
type Options struct {
	// AppID identifies this context in the trusted-app table.
	AppID string

	// Origin is the web origin this context runs under; it is stamped on
	// every outgoing message and checked by receivers against their
	// trusted-app table.
	Origin string

	// Source distinguishes context instances sharing one AppID. Defaults
	// to a random id.
	Source string

	// PublicKeyPEM, when set, is announced to peers via KEY_EXCHANGE so
	// they can verify tokens locally.
	PublicKeyPEM string

	MaxMessageAge  time.Duration
	FutureSkew     time.Duration
	RequestTimeout time.Duration

	// Snapshot supplies the session answered to REQUEST_SESSION. Nil or
	// returning nil means this context never provides.
	Snapshot func() *session.Session

	// Apply consumes verified SESSION_UPDATE events from peers.
	Apply ApplyFunc

	Metrics metrics.Recorder
}

// Protocol is one context's endpoint of the cross-context sync protocol. It
// signs everything it sends and runs the verification pipeline on everything
// it receives: trusted sender, registered origin, signature, freshness,
// replay nonce, in that order, so a forged or stale message can never burn a
// legitimate nonce slot.
type Protocol struct {
	opts     Options
	registry *Registry
	auth     *msgauth.Authenticator
	nonces   *nonce.Store
	tr       Transport
	clock    timex.Clock
	log      logging.Logger

	mu          sync.Mutex
	pending     map[string]chan *session.Session
	peerKeys    map[string]string
	unsubscribe func()
	closed      bool
}

func NewProtocol(reg *Registry, auth *msgauth.Authenticator, nonces *nonce.Store, tr Transport, clock timex.Clock, log logging.Logger, opts Options) *Protocol {
	if opts.Source == "" {
		opts.Source = uuid.NewString()
	}
	if opts.MaxMessageAge <= 0 {
		opts.MaxMessageAge = DefaultMaxMessageAge
	}
	if opts.FutureSkew <= 0 {
		opts.FutureSkew = DefaultFutureSkew
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Protocol{
		opts:     opts,
		registry: reg,
		auth:     auth,
		nonces:   nonces,
		tr:       tr,
		clock:    clock,
		log:      log,
		pending:  make(map[string]chan *session.Session),
		peerKeys: make(map[string]string),
	}
}

// Source returns this instance's context id.
func (p *Protocol) Source() string { return p.opts.Source }

// Start subscribes to the transport. Messages arriving before Start are
// lost, matching a context that was not yet open.
func (p *Protocol) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.unsubscribe != nil {
		return
	}
	p.unsubscribe = p.tr.Subscribe(p.handle)
}

// Close unsubscribes and releases every waiter with a nil session.
func (p *Protocol) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	unsub := p.unsubscribe
	p.unsubscribe = nil
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// RequestSession asks peers for their current session and waits for the
// first answer. It resolves to (nil, nil) on timeout: no peer had a session.
// Only answers from peers holding write_session are accepted.
func (p *Protocol) RequestSession(ctx context.Context) (*session.Session, error) {
	reqID := uuid.NewString()
	ch := make(chan *session.Session, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil
	}
	p.pending[reqID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, reqID)
		p.mu.Unlock()
	}()

	payload, err := json.Marshal(requestPayload{RequestID: reqID})
	if err != nil {
		return nil, err
	}
	if err := p.send(ctx, TypeRequestSession, "", payload); err != nil {
		// No transport: degrade to single-context operation.
		p.warn(ctx, "session request not sent", "err", err)
		return nil, nil
	}

	expired := make(chan struct{})
	timer := p.clock.AfterFunc(p.opts.RequestTimeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case sess := <-ch:
		return sess, nil
	case <-expired:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BroadcastUpdate announces a session lifecycle event to peers. Callers must
// invoke it only after the local store write it reports on has committed.
func (p *Protocol) BroadcastUpdate(ctx context.Context, event string, sess *session.Session) error {
	payload, err := json.Marshal(updatePayload{Event: event, Session: sess})
	if err != nil {
		return err
	}
	return p.send(ctx, TypeSessionUpdate, "", payload)
}

// AnnounceKey broadcasts this context's token verification key.
func (p *Protocol) AnnounceKey(ctx context.Context) error {
	if p.opts.PublicKeyPEM == "" {
		return nil
	}
	payload, err := json.Marshal(keyPayload{PublicKey: p.opts.PublicKeyPEM})
	if err != nil {
		return err
	}
	return p.send(ctx, TypeKeyExchange, "", payload)
}

// PeerKey returns the verification key a peer announced, or "".
func (p *Protocol) PeerKey(appID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerKeys[appID]
}

// Run forwards lifecycle events from the manager's bus to peers until ctx is
// cancelled. Bus events are published after the store write committed, so
// the broadcast ordering guarantee is inherited.
func (p *Protocol) Run(ctx context.Context, bus *session.Bus) {
	sub := bus.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := p.BroadcastUpdate(ctx, string(ev.Type), ev.Session); err != nil {
				p.warn(ctx, "session update not broadcast", "event", ev.Type, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Protocol) send(ctx context.Context, msgType, target string, payload json.RawMessage) error {
	msg := p.auth.Sign(msgType, p.opts.Source, p.opts.AppID, payload)
	// Target and Origin are routing metadata, outside the signed tuple.
	msg.Target = target
	msg.Origin = p.opts.Origin
	return p.tr.Send(ctx, &Envelope{Type: EnvelopeType, Message: msg})
}

// handle runs the verification pipeline and dispatches. Every drop is
// silent towards the sender.
func (p *Protocol) handle(env *Envelope) {
	ctx := context.Background()
	if env == nil || env.Type != EnvelopeType || env.Message == nil {
		return
	}
	msg := env.Message

	// Addressing, before any verification: our own echoes and messages
	// targeted elsewhere never reach the pipeline.
	if msg.Source == p.opts.Source {
		return
	}
	if msg.Target != "" && msg.Target != p.opts.Source {
		return
	}

	app, ok := p.registry.Lookup(msg.AppID)
	if !ok {
		p.drop(ctx, msg, "untrusted", common.ErrPeerUntrusted)
		return
	}
	if app.Origin != "" && app.Origin != msg.Origin {
		// The sender claims an app id registered under a different
		// origin.
		p.drop(ctx, msg, "origin", common.ErrPeerUntrusted)
		return
	}
	if !p.auth.Verify(msg) {
		p.drop(ctx, msg, "signature", nil)
		return
	}
	age := p.clock.Now().Sub(time.UnixMilli(msg.Timestamp))
	if age > p.opts.MaxMessageAge {
		p.drop(ctx, msg, "stale", nil)
		return
	}
	if -age > p.opts.FutureSkew {
		p.drop(ctx, msg, "future", nil)
		return
	}
	if !p.nonces.ValidateAndConsume(msg.Nonce) {
		p.drop(ctx, msg, "replay", common.ErrReplayDetected)
		return
	}
	p.opts.Metrics.MessageVerified()

	switch msg.Type {
	case TypeRequestSession:
		p.handleRequest(ctx, app, msg)
	case TypeProvideSession:
		p.handleProvide(ctx, app, msg)
	case TypeSessionUpdate:
		p.handleUpdate(ctx, app, msg)
	case TypeKeyExchange:
		p.handleKeyExchange(app, msg)
	default:
		p.drop(ctx, msg, "unknown-type", nil)
	}
}

func (p *Protocol) handleRequest(ctx context.Context, app TrustedApp, msg *msgauth.SignedMessage) {
	// A requester without read_session is silently ignored, so probing
	// cannot reveal which apps are registered.
	if !app.Allows(PermReadSession) {
		p.drop(ctx, msg, "unauthorized", common.ErrPeerUnauthorized)
		return
	}
	var req requestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.RequestID == "" {
		p.drop(ctx, msg, "malformed", nil)
		return
	}
	if p.opts.Snapshot == nil {
		return
	}
	sess := p.opts.Snapshot()
	if sess == nil {
		// Nothing to provide; the requester's timeout answers for us.
		return
	}
	payload, err := json.Marshal(providePayload{RequestID: req.RequestID, Session: sess})
	if err != nil {
		return
	}
	if err := p.send(ctx, TypeProvideSession, msg.Source, payload); err != nil {
		p.warn(ctx, "session not provided", "err", err)
	}
}

func (p *Protocol) handleProvide(ctx context.Context, app TrustedApp, msg *msgauth.SignedMessage) {
	// Accepting a provided session writes it into this context, so the
	// sender needs write_session just like for SESSION_UPDATE.
	if !app.Allows(PermWriteSession) {
		p.drop(ctx, msg, "unauthorized", common.ErrPeerUnauthorized)
		return
	}
	var prov providePayload
	if err := json.Unmarshal(msg.Payload, &prov); err != nil || prov.RequestID == "" {
		p.drop(ctx, msg, "malformed", nil)
		return
	}

	p.mu.Lock()
	ch, ok := p.pending[prov.RequestID]
	if ok {
		delete(p.pending, prov.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		// Late or duplicate answer; the request already resolved.
		return
	}
	ch <- prov.Session
}

func (p *Protocol) handleUpdate(ctx context.Context, app TrustedApp, msg *msgauth.SignedMessage) {
	if !app.Allows(PermWriteSession) {
		p.drop(ctx, msg, "unauthorized", common.ErrPeerUnauthorized)
		return
	}
	var upd updatePayload
	if err := json.Unmarshal(msg.Payload, &upd); err != nil || upd.Event == "" {
		p.drop(ctx, msg, "malformed", nil)
		return
	}
	if p.opts.Apply == nil {
		return
	}
	if err := p.opts.Apply(ctx, upd.Event, upd.Session); err != nil {
		p.warn(ctx, "peer session update not applied", "event", upd.Event, "err", err)
	}
}

func (p *Protocol) handleKeyExchange(app TrustedApp, msg *msgauth.SignedMessage) {
	var key keyPayload
	if err := json.Unmarshal(msg.Payload, &key); err != nil || key.PublicKey == "" {
		return
	}
	p.mu.Lock()
	p.peerKeys[app.AppID] = key.PublicKey
	p.mu.Unlock()
}

// drop records a rejected message. err, when set, is one of the common peer
// sentinels so log queries can match on it.
func (p *Protocol) drop(ctx context.Context, msg *msgauth.SignedMessage, reason string, err error) {
	p.opts.Metrics.MessageDropped(reason)
	if p.log == nil {
		return
	}
	args := []any{"reason", reason, "type", msg.Type, "app_id", msg.AppID}
	if err != nil {
		args = append(args, "err", err)
	}
	p.log.Debug(ctx, "sync message dropped", args...)
}

func (p *Protocol) warn(ctx context.Context, text string, args ...any) {
	if p.log != nil {
		p.log.Warn(ctx, text, args...)
	}
}
