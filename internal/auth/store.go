package auth

import (
	"fmt"
	"strings"
)

// principal is a user or client credential loaded from configuration.
type principal struct {
	name   string
	secret string // bcrypt hash for users, plain secret for clients
	roles  []string
}

// staticStore holds the principals named in the config file. It is
// read-only, so no locking is needed.
type staticStore struct {
	users   map[string]principal
	clients map[string]principal
}

func newStaticStore(c Config) (*staticStore, error) {
	s := &staticStore{users: map[string]principal{}, clients: map[string]principal{}}
	for _, u := range c.Users {
		if u.Disabled {
			continue
		}
		if u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("auth: user %q needs username and password_hash", u.Username)
		}
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			return nil, fmt.Errorf("auth: password_hash of %q is not a bcrypt hash", u.Username)
		}
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("auth: duplicate user %q", u.Username)
		}
		s.users[u.Username] = principal{name: u.Username, secret: u.PasswordHash, roles: u.Roles}
	}
	for _, cl := range c.Clients {
		if cl.Disabled {
			continue
		}
		if cl.ClientID == "" || cl.ClientSecret == "" {
			return nil, fmt.Errorf("auth: client %q needs client_id and client_secret", cl.ClientID)
		}
		if _, dup := s.clients[cl.ClientID]; dup {
			return nil, fmt.Errorf("auth: duplicate client %q", cl.ClientID)
		}
		s.clients[cl.ClientID] = principal{name: cl.ClientID, secret: cl.ClientSecret, roles: cl.Roles}
	}
	return s, nil
}

func (s *staticStore) user(name string) (principal, error) {
	p, ok := s.users[name]
	if !ok {
		return principal{}, ErrUserNotFound
	}
	return p, nil
}

func (s *staticStore) client(id string) (principal, error) {
	p, ok := s.clients[id]
	if !ok {
		return principal{}, ErrClientNotFound
	}
	return p, nil
}

func (s *staticStore) empty() bool { return len(s.users) == 0 && len(s.clients) == 0 }
