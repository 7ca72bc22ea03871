package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/remote"
)

// FakeService is a scripted remote lookup service. It implements
// remote.Dialer; every Provider it dials shares its state.
type FakeService struct {
	mu sync.Mutex

	registered  map[string]remote.Match
	queued      map[string][]error
	authStates  map[int64]remote.AuthState
	authErrs    map[int64]error
	connectErrs map[int64][]error
	delay       time.Duration

	calls         map[string]int
	dials         int
	connects      map[int64]int
	disconnects   map[int64]int
	inFlight      int
	maxInFlight   int
	perCred       map[int64]int
	maxPerCred    int
	lookupsByCred map[int64][]string
}

// NewFakeService returns a service where nothing is registered.
func NewFakeService() *FakeService {
	return &FakeService{
		registered:    make(map[string]remote.Match),
		queued:        make(map[string][]error),
		authStates:    make(map[int64]remote.AuthState),
		authErrs:      make(map[int64]error),
		connectErrs:   make(map[int64][]error),
		calls:         make(map[string]int),
		connects:      make(map[int64]int),
		disconnects:   make(map[int64]int),
		perCred:       make(map[int64]int),
		lookupsByCred: make(map[int64][]string),
	}
}

// Register makes identifier resolve as found.
func (s *FakeService) Register(identifier string, remoteID int64, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := remote.Match{Found: true}
	if remoteID != 0 {
		id := remoteID
		m.RemoteID = &id
	}
	if handle != "" {
		h := handle
		m.Handle = &h
	}
	s.registered[identifier] = m
}

// FailNext queues errors returned by the next lookups of identifier, in order.
func (s *FakeService) FailNext(identifier string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[identifier] = append(s.queued[identifier], errs...)
}

// SetAuthState sets what Authenticate returns for a credential.
func (s *FakeService) SetAuthState(credentialID int64, state remote.AuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authStates[credentialID] = state
}

// SetAuthError makes Authenticate fail for a credential.
func (s *FakeService) SetAuthError(credentialID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authErrs[credentialID] = err
}

// FailConnect queues errors returned by the next Connect calls of a credential.
func (s *FakeService) FailConnect(credentialID int64, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErrs[credentialID] = append(s.connectErrs[credentialID], errs...)
}

// SetDelay makes every lookup take d.
func (s *FakeService) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns how often identifier was looked up.
func (s *FakeService) Calls(identifier string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[identifier]
}

// TotalCalls returns the number of lookups across all identifiers.
func (s *FakeService) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Dials returns how many providers were built.
func (s *FakeService) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connects returns how often a credential connected.
func (s *FakeService) Connects(credentialID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects[credentialID]
}

// Disconnects returns how often a credential disconnected.
func (s *FakeService) Disconnects(credentialID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects[credentialID]
}

// MaxConcurrent returns the peak number of simultaneous lookups.
func (s *FakeService) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// MaxConcurrentPerCredential returns the peak number of simultaneous
// lookups issued through a single credential.
func (s *FakeService) MaxConcurrentPerCredential() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPerCred
}

// LookupsBy returns the identifiers looked up through a credential, in order.
func (s *FakeService) LookupsBy(credentialID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lookupsByCred[credentialID]...)
}

// Dial implements remote.Dialer.
func (s *FakeService) Dial(cred model.Credential, p *model.Proxy) (remote.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	return &FakeProvider{svc: s, credentialID: cred.ID}, nil
}

// FakeProvider is a remote.Provider backed by a FakeService.
type FakeProvider struct {
	svc          *FakeService
	credentialID int64

	mu         sync.Mutex
	connected  bool
	authorized bool
}

func (p *FakeProvider) Connect(ctx context.Context) error {
	s := p.svc
	s.mu.Lock()
	s.connects[p.credentialID]++
	var err error
	if q := s.connectErrs[p.credentialID]; len(q) > 0 {
		err = q[0]
		s.connectErrs[p.credentialID] = q[1:]
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *FakeProvider) Authenticate(ctx context.Context) (remote.AuthState, error) {
	s := p.svc
	s.mu.Lock()
	err := s.authErrs[p.credentialID]
	state, ok := s.authStates[p.credentialID]
	s.mu.Unlock()

	if err != nil {
		return "", err
	}
	if !ok {
		state = remote.AuthAuthorized
	}
	p.mu.Lock()
	p.authorized = state.Usable()
	p.mu.Unlock()
	return state, nil
}

func (p *FakeProvider) Lookup(ctx context.Context, identifier string) (remote.Match, error) {
	p.mu.Lock()
	ready := p.connected && p.authorized
	p.mu.Unlock()
	if !ready {
		return remote.Match{}, remote.ErrConnectionLost
	}

	s := p.svc
	s.mu.Lock()
	s.calls[identifier]++
	s.lookupsByCred[p.credentialID] = append(s.lookupsByCred[p.credentialID], identifier)
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	s.perCred[p.credentialID]++
	s.maxPerCred = max(s.maxPerCred, s.perCred[p.credentialID])
	var err error
	if q := s.queued[identifier]; len(q) > 0 {
		err = q[0]
		s.queued[identifier] = q[1:]
	}
	match := s.registered[identifier]
	delay := s.delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.perCred[p.credentialID]--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return remote.Match{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		if err == remote.ErrConnectionLost {
			p.mu.Lock()
			p.connected = false
			p.mu.Unlock()
		}
		return remote.Match{}, err
	}
	return match, nil
}

func (p *FakeProvider) Disconnect(ctx context.Context) error {
	p.svc.mu.Lock()
	p.svc.disconnects[p.credentialID]++
	p.svc.mu.Unlock()

	p.mu.Lock()
	p.connected = false
	p.authorized = false
	p.mu.Unlock()
	return nil
}
