package history

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"alertboard/internal/domain"
)

// Sink buffers settled batches and writes them from its own goroutine, so a
// slow disk never holds up the scheduler.
type Sink struct {
	repo    Repository
	batches chan domain.Batch
	done    chan struct{}
}

func NewSink(repo Repository, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 64
	}
	return &Sink{repo: repo, batches: make(chan domain.Batch, buffer), done: make(chan struct{})}
}

// Record queues b for writing. When the buffer is full the batch is dropped.
func (s *Sink) Record(b domain.Batch) {
	select {
	case s.batches <- b:
	default:
		log.Warn().Str("batch_id", b.ID).Int("attempts", len(b.Attempts)).Msg("history buffer full; dropping batch")
	}
}

// Run drains queued batches until ctx is done, pruning attempts older than
// retention every pruneEvery. A zero retention disables pruning.
func (s *Sink) Run(ctx context.Context, retention, pruneEvery time.Duration) {
	defer close(s.done)
	var pruneC <-chan time.Time
	if retention > 0 && pruneEvery > 0 {
		t := time.NewTicker(pruneEvery)
		defer t.Stop()
		pruneC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case b := <-s.batches:
			s.write(b)
		case now := <-pruneC:
			n, err := s.repo.Prune(context.Background(), now.Add(-retention))
			if err != nil {
				log.Error().Err(err).Msg("failed to prune history")
				continue
			}
			if n > 0 {
				log.Info().Int("pruned", n).Msg("pruned history")
			}
		}
	}
}

// Done is closed once Run has returned.
func (s *Sink) Done() <-chan struct{} { return s.done }

func (s *Sink) drain() {
	for {
		select {
		case b := <-s.batches:
			s.write(b)
		default:
			return
		}
	}
}

func (s *Sink) write(b domain.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.RecordBatch(ctx, b); err != nil {
		log.Error().Err(err).Str("batch_id", b.ID).Msg("failed to record batch")
	}
}
