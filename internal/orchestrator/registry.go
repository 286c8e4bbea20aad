package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/activetigger/activetigger/internal/project"
)

// lruRegistry caps the loaded projects. Access order is tracked by a
// per-entry stamp; the cap is small enough that eviction scans the map.
type lruRegistry struct {
	mu  sync.Mutex
	max int
	m   map[string]*loadedProject
}

func newLRURegistry(max int) *lruRegistry {
	if max < 1 {
		max = 1
	}
	return &lruRegistry{max: max, m: make(map[string]*loadedProject)}
}

func (r *lruRegistry) get(slug string) *project.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[slug]
	if !ok {
		return nil
	}
	e.lastUsed = time.Now()
	return e.proj
}

// put stores the project and returns the entries evicted to honor the
// cap, so the caller can release their in-memory state.
func (r *lruRegistry) put(slug string, p *project.Project) []*loadedProject {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[slug] = &loadedProject{slug: slug, proj: p, lastUsed: time.Now()}
	var evicted []*loadedProject
	for len(r.m) > r.max {
		var oldest *loadedProject
		for s, e := range r.m {
			if s == slug {
				continue
			}
			if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
				oldest = e
			}
		}
		if oldest == nil {
			break
		}
		delete(r.m, oldest.slug)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// drop removes the entry and returns its project, nil when not loaded.
func (r *lruRegistry) drop(slug string) *project.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[slug]
	if !ok {
		return nil
	}
	delete(r.m, slug)
	return e.proj
}

func (r *lruRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

func (r *lruRegistry) slugs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.m))
	for s := range r.m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
