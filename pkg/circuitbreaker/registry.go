package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry lazily creates one breaker per push service host.
type Registry struct {
	config   Config
	breakers sync.Map // host -> *Breaker
}

// NewRegistry returns a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{config: cfg}
}

// Get returns the breaker for host, creating it closed on first use.
func (r *Registry) Get(host string) *Breaker {
	if b, ok := r.breakers.Load(host); ok {
		return b.(*Breaker)
	}
	b, _ := r.breakers.LoadOrStore(host, New(host, r.config))
	return b.(*Breaker)
}

// Stats is a point-in-time count of breakers by state.
type Stats struct {
	Total     int
	Open      int
	HalfOpen  int
	Closed    int
	OpenHosts []string // sorted
}

func (r *Registry) Stats() Stats {
	var s Stats
	r.breakers.Range(func(key, value any) bool {
		s.Total++
		switch value.(*Breaker).State() {
		case Open:
			s.Open++
			s.OpenHosts = append(s.OpenHosts, key.(string))
		case HalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
		return true
	})
	slices.Sort(s.OpenHosts)
	return s
}
