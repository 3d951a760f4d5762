// Package liveness tracks the lifetime of display clients. Components that
// hold per-client state register a watch on the client's token and are
// notified once if the client dies without cleaning up.
package liveness

import "sync"

// Token is an opaque handle identifying a registered client.
// The zero Token is invalid and never issued.
type Token struct {
	id uint64
}

// Valid reports whether the token was issued by a registry.
func (t Token) Valid() bool {
	return t.id != 0
}

func (t Token) String() string {
	if !t.Valid() {
		return "client-none"
	}

	return "client-" + itoa(t.id)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}

// Subscription is a cancellable watch on a single token. It holds no
// reference to the client itself.
type Subscription struct {
	registry *Registry
	token    Token
	id       uint64
}

// Cancel removes the watch. The callback will never fire afterwards.
// Cancelling an already-fired or already-cancelled subscription is a no-op.
func (s *Subscription) Cancel() {
	if s == nil || s.registry == nil {
		return
	}

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()

	if watches, ok := s.registry.watches[s.token]; ok {
		delete(watches, s.id)
	}
}

// Registry issues liveness tokens and dispatches death notifications.
type Registry struct {
	mu        sync.Mutex
	nextToken uint64
	nextWatch uint64
	alive     map[Token]struct{}
	watches   map[Token]map[uint64]func(Token)
}

func NewRegistry() *Registry {
	return &Registry{
		alive:   make(map[Token]struct{}),
		watches: make(map[Token]map[uint64]func(Token)),
	}
}

// Register issues a token for a newly connected client.
func (r *Registry) Register() Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	token := Token{id: r.nextToken}
	r.alive[token] = struct{}{}

	return token
}

// Alive reports whether the token belongs to a live client.
func (r *Registry) Alive(token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.alive[token]

	return ok
}

// Unregister removes a cleanly disconnecting client. Watches on the token
// are dropped without firing.
func (r *Registry) Unregister(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.alive, token)
	delete(r.watches, token)
}

// Kill removes an abnormally terminated client and fires every watch on its
// token exactly once. Callbacks run on the caller's goroutine after the
// registry lock has been released, so they may re-enter the registry and may
// take their own locks.
func (r *Registry) Kill(token Token) {
	r.mu.Lock()
	delete(r.alive, token)
	watches := r.watches[token]
	delete(r.watches, token)
	r.mu.Unlock()

	for _, fn := range watches {
		fn(token)
	}
}

// Watch registers fn to be called at most once if the client identified by
// token terminates abnormally. Watching a token that is not alive fails.
func (r *Registry) Watch(token Token, fn func(Token)) (*Subscription, error) {
	errFactory := newErrFactory()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.alive[token]; !ok {
		return nil, errFactory.WithData(ErrUnknownToken, token.String())
	}

	r.nextWatch++
	watches, ok := r.watches[token]
	if !ok {
		watches = make(map[uint64]func(Token))
		r.watches[token] = watches
	}
	watches[r.nextWatch] = fn

	return &Subscription{registry: r, token: token, id: r.nextWatch}, nil
}
