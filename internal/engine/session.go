// Package engine picks the browser engine a page is loaded with. An
// alternate engine is used only when one is registered, reports itself
// available and allows the URL; every other case falls back to the default.
package engine

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ytget/vrenv/internal/logging"
)

// Kind identifies an engine implementation
type Kind int

const (
	Default Kind = iota
	Alternate
)

// String returns the engine kind name
func (k Kind) String() string {
	switch k {
	case Default:
		return "default"
	case Alternate:
		return "alternate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrClosed is returned by a session after Close
var ErrClosed = errors.New("session closed")

// Options are passed to every new session
type Options struct {
	LayersEnabled bool
	// ExternalContext is an opaque handle to the VR runtime
	ExternalContext uint64
}

// Session is a page-loading engine instance
type Session interface {
	Kind() Kind
	Open(uri string) error
	URI() string
	Close() error
}

// Provider supplies an optional alternate engine
type Provider interface {
	Name() string
	Available() bool
	Allows(uri string) bool
	NewSession(opts Options) (Session, error)
}

// basicSession tracks the page a session shows
type basicSession struct {
	kind Kind
	opts Options

	mu     sync.Mutex
	uri    string
	closed bool
}

// NewSession creates a session of the given kind
func NewSession(kind Kind, opts Options) Session {
	return &basicSession{kind: kind, opts: opts}
}

func (s *basicSession) Kind() Kind { return s.kind }

func (s *basicSession) Open(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.uri = uri
	return nil
}

func (s *basicSession) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

func (s *basicSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// AllowList matches URL hosts against glob patterns such as "*.example.com"
type AllowList struct {
	patterns []string
}

// NewAllowList builds an allow list, ignoring blank patterns
func NewAllowList(patterns ...string) *AllowList {
	a := &AllowList{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			a.patterns = append(a.patterns, p)
		}
	}
	return a
}

// Allows reports whether the host of uri matches a pattern
func (a *AllowList) Allows(uri string) bool {
	if a == nil {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range a.patterns {
		if ok, _ := path.Match(p, host); ok {
			return true
		}
	}
	return false
}

// StaticProvider is an alternate engine that is always linked in
type StaticProvider struct {
	name  string
	allow *AllowList
}

// NewStaticProvider creates a provider serving the URLs allow accepts
func NewStaticProvider(name string, allow *AllowList) *StaticProvider {
	return &StaticProvider{name: name, allow: allow}
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) Available() bool { return true }

func (p *StaticProvider) Allows(uri string) bool { return p.allow.Allows(uri) }

func (p *StaticProvider) NewSession(opts Options) (Session, error) {
	return NewSession(Alternate, opts), nil
}

// Selector chooses between the default engine and a registered alternate
type Selector struct {
	options func() Options
	logger  *zap.Logger

	mu        sync.RWMutex
	alternate Provider
}

// NewSelector creates a selector. options is read for every new session so
// settings changes apply to the next page.
func NewSelector(options func() Options, logger *zap.Logger) *Selector {
	if options == nil {
		options = func() Options { return Options{} }
	}
	return &Selector{options: options, logger: logging.OrNop(logger)}
}

// Register installs the alternate engine provider, replacing any previous one
func (s *Selector) Register(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alternate = p
}

// AlternateAvailable reports whether an alternate engine can be used at all
func (s *Selector) AlternateAvailable() bool {
	s.mu.RLock()
	p := s.alternate
	s.mu.RUnlock()
	return p != nil && p.Available()
}

// Select returns a session for uri
func (s *Selector) Select(uri string) Session {
	opts := s.options()

	s.mu.RLock()
	p := s.alternate
	s.mu.RUnlock()

	if p != nil && p.Available() && p.Allows(uri) {
		session, err := p.NewSession(opts)
		if err == nil && session != nil {
			s.logger.Debug("using alternate engine", zap.String("provider", p.Name()), zap.String("uri", uri))
			return session
		}
		s.logger.Error("can't create alternate session", zap.String("provider", p.Name()), zap.Error(err))
	}
	return NewSession(Default, opts)
}

// IsAlternate reports whether session runs on the alternate engine
func IsAlternate(session Session) bool {
	return session != nil && session.Kind() == Alternate
}
