package scheduler

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Results maps query text to the latest successful result for that query.
type Results map[string]json.RawMessage

// clone copies the map and every result, so holders never share backing
// arrays with the registry or with each other.
func (r Results) clone() Results {
	out := make(Results, len(r))
	for q, v := range r {
		out[q] = bytes.Clone(v)
	}
	return out
}

// aggregate builds the query -> result view. Rules sharing a query collapse
// into one entry.
func (g *registry) aggregate() Results {
	out := make(Results, len(g.rules))
	for _, id := range g.ids() {
		r := g.rules[id]
		if r.lastResult != nil {
			out[r.query] = r.lastResult
		}
	}
	return out
}

type subscribers struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(Results)
}

func (s *subscribers) add(fn func(Results)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(Results))
	}
	s.next++
	id := s.next
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) publish(res Results) {
	s.mu.Lock()
	fns := make([]func(Results), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		deliver(fn, res.clone())
	}
}

func deliver(fn func(Results), res Results) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("result subscriber panicked")
		}
	}()
	fn(res)
}
