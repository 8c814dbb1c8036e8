package capture

import (
	"context"
	"sync"
)

// Ledger is the ordered list of submitted, unresolved request tokens. The
// head is the oldest unresolved token and the only one allowed to consume
// frames from the pool.
type Ledger struct {
	mu      sync.Mutex
	tokens  []RequestToken
	index   map[string]struct{}
	changed chan struct{}
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		index:   make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// notifyLocked wakes every WaitTurn caller. mu must be held.
func (l *Ledger) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Append adds token at the tail
func (l *Ledger) Append(token RequestToken) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = append(l.tokens, token)
	l.index[token.ID] = struct{}{}
	l.notifyLocked()
}

// Contains reports whether token is still unresolved
func (l *Ledger) Contains(token RequestToken) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[token.ID]
	return ok
}

// Head returns the oldest unresolved token
func (l *Ledger) Head() (RequestToken, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tokens) == 0 {
		return RequestToken{}, false
	}
	return l.tokens[0], true
}

// PopHead removes the head if it is token. It reports false when token is
// not the head, which only happens after a Clear.
func (l *Ledger) PopHead(token RequestToken) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tokens) == 0 || l.tokens[0].ID != token.ID {
		return false
	}
	l.tokens[0] = RequestToken{}
	l.tokens = l.tokens[1:]
	delete(l.index, token.ID)
	l.notifyLocked()
	return true
}

// PopHeadWith runs fn and then removes the head, both while holding the
// ledger, if token is the head. Work done in fn is ordered with respect to
// every other resolution.
func (l *Ledger) PopHeadWith(token RequestToken, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tokens) == 0 || l.tokens[0].ID != token.ID {
		return false
	}
	fn()
	l.tokens[0] = RequestToken{}
	l.tokens = l.tokens[1:]
	delete(l.index, token.ID)
	l.notifyLocked()
	return true
}

// Remove deletes token wherever it is. Used to roll back a submission the
// source refused.
func (l *Ledger) Remove(token RequestToken) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[token.ID]; !ok {
		return false
	}
	for i, t := range l.tokens {
		if t.ID == token.ID {
			l.tokens = append(l.tokens[:i:i], l.tokens[i+1:]...)
			break
		}
	}
	delete(l.index, token.ID)
	l.notifyLocked()
	return true
}

// Clear removes and returns every token, oldest first. The caller becomes
// responsible for resolving them.
func (l *Ledger) Clear() []RequestToken {
	l.mu.Lock()
	defer l.mu.Unlock()

	cleared := l.tokens
	l.tokens = nil
	l.index = make(map[string]struct{})
	l.notifyLocked()
	return cleared
}

// Tokens returns a copy of the unresolved tokens, oldest first
func (l *Ledger) Tokens() []RequestToken {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RequestToken, len(l.tokens))
	copy(out, l.tokens)
	return out
}

// Len returns the number of unresolved tokens
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tokens)
}

// WaitTurn blocks until token is the head. It returns ErrTokenResolved if
// token is not (or no longer) in the ledger, or ctx's error.
func (l *Ledger) WaitTurn(ctx context.Context, token RequestToken) error {
	for {
		l.mu.Lock()
		if _, ok := l.index[token.ID]; !ok {
			l.mu.Unlock()
			return ErrTokenResolved
		}
		if l.tokens[0].ID == token.ID {
			l.mu.Unlock()
			return nil
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
