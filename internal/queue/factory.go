package queue

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Factory builds a queue for a DSN whose scheme it was registered under.
type Factory func(dsn string, capacity int) (Queue, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

// Register makes scheme resolvable by Build. Registered schemes take
// precedence over the built-in ones.
func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookup(scheme string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.factories[normalizeScheme(scheme)]
	return f, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// Build returns the queue described by dsn:
//
//	memory://              in-process channel
//	file:///var/q.json     JSON snapshot on disk (a bare path works too)
//	postgres://...?queue=x table-backed queue named x
//
// An empty dsn yields a nil queue and no error.
func Build(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookup(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFile(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemory(capacity), nil
	case "postgres", "postgresql":
		key := parsed.Query().Get("queue")
		q := parsed.Query()
		q.Del("queue")
		parsed.RawQuery = q.Encode()
		return NewPostgres(parsed.String(), key, capacity)
	case "redis", "rediss", "nats", "kafka":
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return strings.TrimSpace(raw), nil
	}
	// file://data/q.json parses "data" as the host.
	if parsed.Host != "" && parsed.Path != "" {
		return parsed.Host + parsed.Path, nil
	}
	for _, candidate := range []string{parsed.Path, parsed.Opaque, parsed.Host} {
		if p := strings.TrimSpace(candidate); p != "" {
			return p, nil
		}
	}
	return "", ErrInvalidInput
}
