package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lectern/internal/jobs"
	"lectern/internal/logging"
)

const (
	defaultRetained   = 256
	defaultPollEvery  = 2 * time.Second
	subscriberBacklog = 16
)

// Sink receives every published event.
type Sink interface {
	Append(Event)
}

// History is the persisted event source used when a job has no in-memory
// stream, typically after a daemon restart or when another daemon runs it.
type History interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
	Events(ctx context.Context, jobID string, generation int) ([]jobs.Event, error)
}

// stream is one execution generation of one job.
type stream struct {
	jobID      string
	generation int
	events     []Event
	closed     bool
	notify     chan struct{}
}

func newStream(jobID string, generation int) *stream {
	return &stream{jobID: jobID, generation: generation, notify: make(chan struct{})}
}

func (s *stream) lastSeq() int {
	if len(s.events) == 0 {
		return 0
	}
	return s.events[len(s.events)-1].Seq
}

// wakeLocked releases every waiter and arms a fresh notify channel.
func (s *stream) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Hub is the in-process progress fan-out.
type Hub struct {
	mu        sync.Mutex
	streams   map[string]*stream
	finished  []string
	sinks     []Sink
	history   History
	retained  int
	pollEvery time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes a Hub.
type Option func(*Hub)

// WithHistory enables replay and remote tailing from persisted events.
func WithHistory(history History) Option {
	return func(h *Hub) { h.history = history }
}

// WithSink adds a sink receiving every published event.
func WithSink(sink Sink) Option {
	return func(h *Hub) {
		if sink != nil {
			h.sinks = append(h.sinks, sink)
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logging.NewComponentLogger(logger, "progress") }
}

// WithPollInterval sets how often subscribers of a stream that is not fed by
// this process check the history for new events.
func WithPollInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pollEvery = d
		}
	}
}

// WithRetention bounds how many finished streams stay in memory.
func WithRetention(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.retained = n
		}
	}
}

// NewHub constructs an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		streams:   make(map[string]*stream),
		retained:  defaultRetained,
		pollEvery: defaultPollEvery,
		logger:    logging.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Begin opens a new execution generation for jobID. Subscribers of an older
// generation keep their stream; new subscribers see this one.
func (h *Hub) Begin(jobID string, generation int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.streams[jobID]
	switch {
	case ok && current.generation >= generation:
		return
	case ok && len(current.events) == 0 && !current.closed:
		// Subscribers attached while the job was still pending follow the
		// execution that is starting now.
		current.generation = generation
		return
	case ok && !current.closed:
		// The previous execution never published a terminal event.
		current.closed = true
		current.wakeLocked()
	}
	h.streams[jobID] = newStream(jobID, generation)
}

// Publish assigns the next sequence number and delivers ev. Events for a
// stale generation or after the terminal event are dropped.
func (h *Hub) Publish(ev Event) (Event, bool) {
	h.mu.Lock()
	st, ok := h.streams[ev.JobID]
	if !ok || st.generation != ev.Generation || st.closed {
		h.mu.Unlock()
		return ev, false
	}
	ev.Seq = st.lastSeq() + 1
	if ev.Time.IsZero() {
		ev.Time = h.now().UTC()
	}
	st.events = append(st.events, ev)
	if ev.Terminal {
		st.closed = true
		h.retireLocked(ev.JobID)
	}
	st.wakeLocked()
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.Unlock()

	for _, sink := range sinks {
		sink.Append(ev)
	}
	return ev, true
}

// Snapshot returns the current generation's events.
func (h *Hub) Snapshot(jobID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[jobID]
	if !ok {
		return nil
	}
	return append([]Event(nil), st.events...)
}

// Subscribe streams the current generation of jobID: every event so far,
// then the live tail. The channel closes after the terminal event or when
// ctx ends.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (<-chan Event, error) {
	st, err := h.attach(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, subscriberBacklog)
	go h.follow(ctx, st, out)
	return out, nil
}

func (h *Hub) attach(ctx context.Context, jobID string) (*stream, error) {
	h.mu.Lock()
	st, ok := h.streams[jobID]
	h.mu.Unlock()
	if ok {
		return st, nil
	}
	if h.history == nil {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	job, err := h.history.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	generation := job.Generation()
	loaded := newStream(jobID, generation)
	if generation > 0 {
		persisted, err := h.history.Events(ctx, jobID, generation)
		if err != nil {
			return nil, err
		}
		for _, ev := range persisted {
			loaded.events = append(loaded.events, fromStored(ev))
			if ev.Terminal {
				loaded.closed = true
			}
		}
	}
	if job.Status.IsTerminal() {
		// The execution ended without a persisted terminal event, for
		// example a reclaimed lease; synthesize one so subscribers finish.
		if !loaded.closed {
			loaded.events = append(loaded.events, Event{
				JobID:      jobID,
				Generation: generation,
				Seq:        loaded.lastSeq() + 1,
				Stage:      job.ErrorStage,
				Status:     terminalStatus(job.Status),
				Percent:    job.ProgressPercent,
				Message:    job.ErrorMessage,
				Terminal:   true,
				Time:       job.FinishedAt,
			})
			loaded.closed = true
		}
		return loaded, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.streams[jobID]; ok {
		return current, nil
	}
	h.streams[jobID] = loaded
	return loaded, nil
}

func (h *Hub) follow(ctx context.Context, st *stream, out chan<- Event) {
	defer close(out)

	var poll <-chan time.Time
	if h.history != nil {
		ticker := time.NewTicker(h.pollEvery)
		defer ticker.Stop()
		poll = ticker.C
	}

	cursor := 0
	for {
		h.mu.Lock()
		pending := append([]Event(nil), st.events[cursor:]...)
		closed := st.closed
		notify := st.notify
		h.mu.Unlock()

		for _, ev := range pending {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		cursor += len(pending)
		if closed && len(pending) == 0 {
			return
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-poll:
			h.refresh(ctx, st)
		}
	}
}

// refresh pulls events persisted by another process into st.
func (h *Hub) refresh(ctx context.Context, st *stream) {
	h.mu.Lock()
	jobID, generation, last, closed := st.jobID, st.generation, st.lastSeq(), st.closed
	h.mu.Unlock()
	if closed {
		return
	}
	persisted, err := h.history.Events(ctx, jobID, generation)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Debug("progress refresh failed",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(err),
			)
		}
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	added := false
	for _, ev := range persisted {
		if ev.Seq <= st.lastSeq() || st.closed {
			continue
		}
		st.events = append(st.events, fromStored(ev))
		if ev.Terminal {
			st.closed = true
			h.retireLocked(jobID)
		}
		added = true
	}
	if added && st.lastSeq() > last {
		st.wakeLocked()
	}
}

// retireLocked tracks finished streams and evicts the oldest beyond the
// retention bound. Evicted jobs are served from history.
func (h *Hub) retireLocked(jobID string) {
	h.finished = append(h.finished, jobID)
	for len(h.finished) > h.retained {
		oldest := h.finished[0]
		h.finished = h.finished[1:]
		if st, ok := h.streams[oldest]; ok && st.closed {
			delete(h.streams, oldest)
		}
	}
}

func fromStored(ev jobs.Event) Event {
	return Event{
		JobID:      ev.JobID,
		Generation: ev.Generation,
		Seq:        ev.Seq,
		Ordinal:    ev.Ordinal,
		Stage:      ev.Stage,
		Status:     ev.Status,
		Percent:    ev.Percent,
		Message:    ev.Message,
		Terminal:   ev.Terminal,
		Time:       ev.CreatedAt,
	}
}

func terminalStatus(status jobs.Status) string {
	switch status {
	case jobs.StatusCompleted:
		return StatusCompleted
	case jobs.StatusCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}
