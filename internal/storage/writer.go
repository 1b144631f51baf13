package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// HistoryWriter persists terminal sessions off the request path. Record never
// blocks: a full queue drops the record. Each save is retried with doubling
// backoff before the record is given up.
type HistoryWriter struct {
	store Store
	queue chan *SessionRecord

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	saved   atomic.Int64
	dropped atomic.Int64
	onDrop  func()

	retries int
	backoff time.Duration
}

// WriterOption configures a HistoryWriter.
type WriterOption func(*HistoryWriter)

// WithDropHook is called once for every record that is not persisted.
func WithDropHook(fn func()) WriterOption {
	return func(w *HistoryWriter) { w.onDrop = fn }
}

func NewHistoryWriter(store Store, bufferSize int, opts ...WriterOption) *HistoryWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	w := &HistoryWriter{
		store:   store,
		queue:   make(chan *SessionRecord, bufferSize),
		stop:    make(chan struct{}),
		retries: 3,
		backoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *HistoryWriter) Start() {
	w.wg.Add(1)
	go w.run()
}

// Record queues rec for writing.
func (w *HistoryWriter) Record(rec *SessionRecord) {
	select {
	case w.queue <- rec:
	default:
		log.Warn().Str("session_id", rec.ID).Msg("history buffer full, dropping session record")
		w.drop()
	}
}

// Saved and Dropped count records persisted and lost so far.
func (w *HistoryWriter) Saved() int64   { return w.saved.Load() }
func (w *HistoryWriter) Dropped() int64 { return w.dropped.Load() }

// Flush drains queued records and stops the writer, waiting at most timeout.
// It reports whether the queue was fully drained.
func (w *HistoryWriter) Flush(timeout time.Duration) bool {
	w.stopOnce.Do(func() { close(w.stop) })

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info().Int64("saved", w.Saved()).Int64("dropped", w.Dropped()).Msg("history writer flushed")
		return true
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.queue)).Msg("history writer flush timed out")
		return false
	}
}

func (w *HistoryWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case rec := <-w.queue:
			w.save(rec)
		case <-w.stop:
			for {
				select {
				case rec := <-w.queue:
					w.save(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *HistoryWriter) save(rec *SessionRecord) {
	delay := w.backoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.SaveSession(ctx, rec)
		cancel()
		if err == nil {
			w.saved.Add(1)
			return
		}

		if attempt > w.retries {
			log.Error().Err(err).Str("session_id", rec.ID).Int("attempts", attempt).
				Msg("history write failed permanently")
			w.drop()
			return
		}
		log.Warn().Err(err).Str("session_id", rec.ID).Int("attempt", attempt).Dur("backoff", delay).
			Msg("history write failed, retrying")
		time.Sleep(delay)
		delay *= 2
	}
}

func (w *HistoryWriter) drop() {
	w.dropped.Add(1)
	if w.onDrop != nil {
		w.onDrop()
	}
}
