// Package risk describes the evaluation domains: how a questionnaire becomes
// the positional feature vector sent to the worker, and how a result code
// becomes a recommendation.
package risk

import (
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	jsoncodec "github.com/drblury/cardiocheck/internal/runtime/jsoncodec"
)

// Texts are the user-facing messages of a domain.
type Texts struct {
	// Pending is stored as the recommendation while the result is outstanding.
	Pending string
	// Accepted is returned to the caller once the job is queued.
	Accepted string
	// PublishFailed is stored when the job could not be queued.
	PublishFailed string
}

// Domain binds an input type to its subject, feature order and rules.
type Domain[T any] struct {
	name      string
	subject   string
	maxCode   int
	features  func(T) []float64
	recommend func(code int, in T) string
	texts     Texts
}

// NewDomain creates a domain whose worker answers with codes 0 through
// maxCode. features must always return values in the same order, the worker
// reads them by position.
func NewDomain[T any](name, subject string, maxCode int, features func(T) []float64, recommend func(int, T) string, texts Texts) *Domain[T] {
	return &Domain[T]{
		name:      name,
		subject:   subject,
		maxCode:   maxCode,
		features:  features,
		recommend: recommend,
		texts:     texts,
	}
}

func (d *Domain[T]) Name() string    { return d.name }
func (d *Domain[T]) Subject() string { return d.subject }
func (d *Domain[T]) Texts() Texts    { return d.texts }
func (d *Domain[T]) MaxCode() int    { return d.maxCode }

// WithSubject returns a copy publishing on subject.
func (d *Domain[T]) WithSubject(subject string) *Domain[T] {
	c := *d
	c.subject = subject
	return &c
}

// Features extracts the feature vector.
func (d *Domain[T]) Features(in T) []float64 {
	return d.features(in)
}

// Encode serializes an input for storage.
func (d *Domain[T]) Encode(in T) ([]byte, error) {
	return jsoncodec.Marshal(in)
}

// Decode restores a stored input.
func (d *Domain[T]) Decode(raw []byte) (T, error) {
	var in T
	if err := jsoncodec.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("decode %s questionnaire: %w", d.name, err)
	}
	return in, nil
}

// RecommendFor derives the recommendation for code from the original input.
func (d *Domain[T]) RecommendFor(code int, in T) string {
	return d.recommend(code, in)
}

// Recommend decodes a stored questionnaire and derives its recommendation.
// Codes outside 0..MaxCode are rejected with ErrMalformedResult.
func (d *Domain[T]) Recommend(code int, raw []byte) (string, error) {
	if code < 0 || code > d.maxCode {
		return "", fmt.Errorf("%w: %s result code %d outside 0..%d", errspkg.ErrMalformedResult, d.name, code, d.maxCode)
	}
	in, err := d.Decode(raw)
	if err != nil {
		return "", err
	}
	return d.recommend(code, in), nil
}

// Kind is the type-erased view of a Domain used by result correlation.
type Kind interface {
	Name() string
	Subject() string
	Texts() Texts
	Recommend(code int, raw []byte) (string, error)
}

var (
	_ Kind = (*Domain[CardiacInput])(nil)
	_ Kind = (*Domain[SleepInput])(nil)
)

// Registry holds the known domains by name.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates a registry holding kinds.
func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a domain. Names must be unique.
func (r *Registry) Register(k Kind) error {
	if k == nil || k.Name() == "" {
		return errspkg.ErrDomainRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[k.Name()]; exists {
		return fmt.Errorf("risk domain %q already registered", k.Name())
	}
	r.kinds[k.Name()] = k
	return nil
}

// Lookup returns the named domain.
func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Names lists registered domains in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subjects lists the request subjects of every domain.
func (r *Registry) Subjects() []string {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	subjects := make([]string, 0, len(names))
	for _, name := range names {
		subjects = append(subjects, r.kinds[name].Subject())
	}
	return subjects
}
