package identity

import (
	"context"
	"sync"
)

// Profile is the display data the editor shows next to cursors and
// comments. The collaboration core stores only user ids and resolves the
// rest through a Provider.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Provider is the external identity/profile collaborator.
type Provider interface {
	Resolve(ctx context.Context, userID string) (*Profile, error)
}

// StaticProvider serves fixed profiles and falls back to the bare user id,
// so the gateway runs standalone without a profile service.
type StaticProvider struct {
	profiles map[string]Profile
}

func NewStaticProvider(profiles ...Profile) *StaticProvider {
	m := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		m[p.UserID] = p
	}
	return &StaticProvider{profiles: m}
}

func (s *StaticProvider) Resolve(_ context.Context, userID string) (*Profile, error) {
	if p, ok := s.profiles[userID]; ok {
		return &p, nil
	}
	return &Profile{UserID: userID, DisplayName: userID}, nil
}

// Resolver caches Provider lookups per process. Profiles change rarely and
// presence reads happen on every room render.
type Resolver struct {
	p Provider

	mu    sync.RWMutex
	cache map[string]*Profile
}

func NewResolver(p Provider) *Resolver {
	return &Resolver{p: p, cache: make(map[string]*Profile)}
}

// Decorate resolves a batch of user ids; a failed lookup degrades to a
// bare-id profile instead of failing the presence read.
func (r *Resolver) Decorate(ctx context.Context, userIDs []string) map[string]*Profile {
	out := make(map[string]*Profile, len(userIDs))
	var missing []string

	r.mu.RLock()
	for _, id := range userIDs {
		if p, ok := r.cache[id]; ok {
			out[id] = p
		} else {
			missing = append(missing, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range missing {
		p, err := r.p.Resolve(ctx, id)
		if err != nil || p == nil {
			p = &Profile{UserID: id, DisplayName: id}
		}
		out[id] = p
		r.mu.Lock()
		r.cache[id] = p
		r.mu.Unlock()
	}
	return out
}
