package auth

import (
	"sync"

	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

// Provider notifies subscribers of the signed-in user; nil means signed
// out.
type Provider interface {
	Subscribe(fn func(*models.Authenticated)) (cancel func())
}

// Broadcaster is a Provider fed by verified tokens.
type Broadcaster struct {
	verifier *Verifier

	mu      sync.Mutex
	current *models.Authenticated
	subs    map[int]func(*models.Authenticated)
	nextID  int
}

var _ Provider = (*Broadcaster)(nil)

func NewBroadcaster(v *Verifier) *Broadcaster {
	return &Broadcaster{verifier: v, subs: make(map[int]func(*models.Authenticated))}
}

// Subscribe registers fn and immediately calls it with the current user.
func (b *Broadcaster) Subscribe(fn func(*models.Authenticated)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	cur := b.current
	b.mu.Unlock()

	fn(cur)
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SignIn verifies token and announces its user.
func (b *Broadcaster) SignIn(token string) (*models.Authenticated, error) {
	user, err := b.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	b.publish(user)
	return user, nil
}

func (b *Broadcaster) SignOut() { b.publish(nil) }

func (b *Broadcaster) Current() *models.Authenticated {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Broadcaster) publish(user *models.Authenticated) {
	b.mu.Lock()
	b.current = user
	subs := make([]func(*models.Authenticated), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(user)
	}
}
