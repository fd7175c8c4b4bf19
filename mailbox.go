package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// Mailbox routes send, subscribe, fetch, and status operations to providers
// keyed by address scheme. It holds no delivery state of its own; providers
// own semantics, the Mailbox only dispatches.
//
// A Mailbox is constructed explicitly by the hosting application and passed
// to whatever needs it. There is no package-level default instance.
type Mailbox struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// New creates an empty Mailbox with no providers registered.
func New() *Mailbox {
	return &Mailbox{providers: make(map[string]Provider)}
}

// RegisterProvider mounts a provider under its scheme. Mounting a second
// provider for the same scheme is a configuration error and fails with
// ErrDuplicateProvider.
func (m *Mailbox) RegisterProvider(p Provider) error {
	scheme := p.Scheme()
	if scheme == "" {
		return fmt.Errorf("%w: provider has empty scheme", ErrInvalidAddress)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[scheme]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, scheme)
	}
	m.providers[scheme] = p
	return nil
}

// MustRegisterProvider registers a provider and panics on error (for static
// wiring during startup).
func (m *Mailbox) MustRegisterProvider(p Provider) {
	if err := m.RegisterProvider(p); err != nil {
		panic(fmt.Sprintf("failed to register provider %s: %v", p.Scheme(), err))
	}
}

// Provider returns the provider mounted at scheme.
func (m *Mailbox) Provider(scheme string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[scheme]
	return p, ok
}

// Schemes returns the schemes with a registered provider.
func (m *Mailbox) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	schemes := make([]string, 0, len(m.providers))
	for scheme := range m.providers {
		schemes = append(schemes, scheme)
	}
	return schemes
}

// resolve parses address and returns the provider serving its scheme.
// url.Parse lowercases the scheme, so lookups are case-insensitive.
func (m *Mailbox) resolve(address string) (Provider, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidAddress, address)
	}

	m.mu.RLock()
	p, ok := m.providers[u.Scheme]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, u.Scheme)
	}
	return p, nil
}

// Post validates mail, routes it by the recipient's scheme, and sends it.
// When the caller did not choose an id the provider assigns one. The
// returned message is the delivered form, HeaderSentAt included.
func (m *Mailbox) Post(ctx context.Context, mail OutgoingMail) (*Message, error) {
	if err := mail.Validate(); err != nil {
		return nil, err
	}
	p, err := m.resolve(mail.To)
	if err != nil {
		return nil, err
	}

	id := mail.ID
	if id == "" {
		id = p.GenerateID()
	}
	msg := NewMessage(mail, id)
	if err := p.Send(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Subscribe routes a push registration to the provider serving address.
func (m *Mailbox) Subscribe(ctx context.Context, address string, handler Handler) (Subscription, error) {
	p, err := m.resolve(address)
	if err != nil {
		return nil, err
	}
	return p.Subscribe(ctx, address, handler)
}

// Fetch routes a pull to the provider serving address. It returns (nil, nil)
// when no message is waiting.
func (m *Mailbox) Fetch(ctx context.Context, address string, opts FetchOptions) (*AckableMessage, error) {
	p, err := m.resolve(address)
	if err != nil {
		return nil, err
	}
	return p.Fetch(ctx, address, opts)
}

// Status routes a status inquiry to the provider serving address.
func (m *Mailbox) Status(ctx context.Context, address string) (Status, error) {
	p, err := m.resolve(address)
	if err != nil {
		return Status{}, err
	}
	return p.Status(ctx, address)
}

// Close closes every registered provider and empties the registry. Errors
// are collected; closing never stops early. A closed Mailbox can register
// fresh providers again, though typical hosts construct a new one instead.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	providers := make([]Provider, 0, len(m.providers))
	for scheme, p := range m.providers {
		providers = append(providers, p)
		delete(m.providers, scheme)
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
