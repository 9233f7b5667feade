package geotile

import (
	"sort"
	"sync"
	"time"
)

// Source is one installed registry entry: the built index plus the
// request scoping tile queries need.
type Source struct {
	ID      string
	Index   Index
	Stab    StabIndex // nil unless the load asked for point lookups
	MaxZoom int
	Layer   string
	Cluster bool

	FeatureCount int
	Generation   uint64
	LoadedAt     time.Time
}

// Registry holds the installed index of every loaded source.
//
// A load claims a generation with Begin before doing any work and
// publishes the finished entry with Install. An install whose
// generation is no longer the newest claimed one loses the race and is
// dropped, so a slow stale load can never clobber a newer result.
// Lookups only ever observe fully built sources.
type Registry struct {
	mu      sync.RWMutex
	gens    map[string]uint64
	sources map[string]*Source
}

func NewRegistry() *Registry {
	return &Registry{
		gens:    make(map[string]uint64),
		sources: make(map[string]*Source),
	}
}

// Begin claims the next generation for a source load.
func (r *Registry) Begin(source string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[source]++
	return r.gens[source]
}

// Install publishes a finished entry, atomically replacing any previous
// one. It reports false when a newer load claimed the source while this
// one ran; the caller drops the build and the existing entry stays.
func (r *Registry) Install(src *Source, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gens[src.ID] {
		return false
	}
	src.Generation = gen
	if src.LoadedAt.IsZero() {
		src.LoadedAt = time.Now()
	}
	r.sources[src.ID] = src
	return true
}

// Get returns the installed entry for a source, nil when absent.
func (r *Registry) Get(source string) *Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[source]
}

// Remove forgets a source. It reports whether the source was installed.
// The generation is bumped so an in-flight load begun before the
// removal can not resurrect the source.
func (r *Registry) Remove(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sources[source]
	delete(r.sources, source)
	if _, begun := r.gens[source]; begun {
		r.gens[source]++
	}
	return ok
}

// Sources lists the installed entries sorted by id.
func (r *Registry) Sources() []*Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
