package store

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	serializer "github.com/offline-cache/offline-cache/pkg/response-serializer"
)

// Store purposes. Each purpose gets its own named store per worker
// version, e.g. "static-v3".
const (
	PurposeStatic  = "static"
	PurposeRuntime = "runtime"
	PurposeCourse  = "course"
)

var purposes = []string{PurposeStatic, PurposeRuntime, PurposeCourse}

const (
	storeSeparator  = ":"
	methodSeparator = ":"
	versionTag      = "-v"
)

// Registry owns the set of named, versioned cache stores for one worker
// version, layered over a single Provider. It is the only component that
// knows how store names and entry keys are built, and the only shared
// mutable resource in the engine: strategies, the control channel and
// activation cleanup all go through it.
type Registry struct {
	provider Provider
	version  int
}

func NewRegistry(provider Provider, version int) *Registry {
	return &Registry{
		provider: provider,
		version:  version,
	}
}

func (r *Registry) Version() int {
	return r.version
}

// StoreName returns the versioned name of the store with the given
// purpose, e.g. "course-v3".
func (r *Registry) StoreName(purpose string) string {
	return purpose + versionTag + strconv.Itoa(r.version)
}

// entryKey builds the full provider key for a request-shaped entry.
func (r *Registry) entryKey(purpose, method, uri string) string {
	return r.StoreName(purpose) + storeSeparator + method + methodSeparator + uri
}

// GetRequest looks up the cached response for a request in the store
// with the given purpose.
func (r *Registry) GetRequest(purpose string, req *http.Request) (serializer.CachedResponse, bool, error) {
	return r.getKey(r.entryKey(purpose, req.Method, req.URL.RequestURI()))
}

// PutRequest stores a response for a request, replacing any previous
// entry for the same key.
func (r *Registry) PutRequest(purpose string, req *http.Request, res serializer.CachedResponse) error {
	return r.putKey(r.entryKey(purpose, req.Method, req.URL.RequestURI()), res)
}

// GetURI and PutURI operate on synthetic GET keys, used by the control
// channel for pushed content that never had a real request.
func (r *Registry) GetURI(purpose, uri string) (serializer.CachedResponse, bool, error) {
	return r.getKey(r.entryKey(purpose, http.MethodGet, uri))
}

func (r *Registry) PutURI(purpose, uri string, res serializer.CachedResponse) error {
	return r.putKey(r.entryKey(purpose, http.MethodGet, uri), res)
}

func (r *Registry) getKey(key string) (serializer.CachedResponse, bool, error) {
	bytes, ok, err := r.provider.Get(key)
	if err != nil || !ok {
		return serializer.CachedResponse{}, false, err
	}
	res, err := serializer.FromBytes(bytes)
	if err != nil {
		// A corrupted entry is purged rather than served.
		r.provider.Purge(key)
		return serializer.CachedResponse{}, false, fmt.Errorf("corrupted entry %s: %w", key, err)
	}
	return res, true, nil
}

func (r *Registry) putKey(key string, res serializer.CachedResponse) error {
	bytes, err := res.Bytes()
	if err != nil {
		return err
	}
	return r.provider.Put(key, bytes)
}

// StoreNames enumerates the distinct store names currently present in
// the provider, across all versions.
func (r *Registry) StoreNames() ([]string, error) {
	seen := make(map[string]struct{})
	for _, purpose := range purposes {
		err := r.provider.Keys(purpose+versionTag, func(key string) {
			if name, ok := storeNameOf(key); ok {
				seen[name] = struct{}{}
			}
		})
		if err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteStaleVersions deletes every store whose purpose is known but
// whose version token differs from the registry's version. It is the
// only operation that removes whole stores, runs during activation, and
// is idempotent.
func (r *Registry) DeleteStaleVersions() ([]string, error) {
	names, err := r.StoreNames()
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0)
	for _, name := range names {
		if r.isCurrent(name) {
			continue
		}
		if err := r.provider.PurgePrefix(name + storeSeparator); err != nil {
			return deleted, fmt.Errorf("deleting store %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// isCurrent reports whether a store name carries this registry's
// version token.
func (r *Registry) isCurrent(name string) bool {
	for _, purpose := range purposes {
		if name == r.StoreName(purpose) {
			return true
		}
	}
	return false
}

// storeNameOf extracts the store name from a full entry key.
func storeNameOf(key string) (string, bool) {
	name, _, found := strings.Cut(key, storeSeparator)
	return name, found
}
