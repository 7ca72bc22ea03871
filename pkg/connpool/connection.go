package connpool

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/remote"
)

// Connection is one authenticated session bound to a credential and its
// proxy. It is owned by a single dispatch lane at a time.
type Connection struct {
	ID         uuid.UUID
	Credential model.Credential
	Proxy      *model.Proxy

	provider remote.Provider

	mu            sync.Mutex
	connected     bool
	authenticated bool
}

func newConnection(cred model.Credential, provider remote.Provider) *Connection {
	return &Connection{
		ID:         uuid.New(),
		Credential: cred,
		Proxy:      cred.Proxy,
		provider:   provider,
	}
}

// CredentialID returns the ID of the bound credential.
func (c *Connection) CredentialID() int64 {
	return c.Credential.ID
}

// Ready reports whether the connection is connected and authenticated.
func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.authenticated
}

// Lookup asks the remote service about identifier.
func (c *Connection) Lookup(ctx context.Context, identifier string) (remote.Match, error) {
	m, err := c.provider.Lookup(ctx, identifier)
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrConnectionLost):
		c.mu.Lock()
		c.connected = false
		c.authenticated = false
		c.mu.Unlock()
	case errors.Is(err, remote.ErrFatalAuth):
		c.mu.Lock()
		c.authenticated = false
		c.mu.Unlock()
	}
	return m, err
}

// open connects and authenticates the provider.
func (c *Connection) open(ctx context.Context) (remote.AuthState, error) {
	if err := c.provider.Connect(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	state, err := c.provider.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.authenticated = state.Usable()
	c.mu.Unlock()
	return state, nil
}

func (c *Connection) close(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.authenticated = false
	c.mu.Unlock()
	return c.provider.Disconnect(ctx)
}

func (c *Connection) String() string {
	if c.Proxy != nil {
		return c.ID.String() + " via " + c.Proxy.String()
	}
	return c.ID.String()
}
