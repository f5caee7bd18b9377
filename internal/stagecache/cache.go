package stagecache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"lectern/internal/database"
	"lectern/internal/logging"
	"lectern/internal/services"
)

// SchemaVersion identifies the entry envelope. Entries written under another
// version are treated as misses.
const SchemaVersion = 1

const (
	defaultClaimTimeout = 15 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// Entry is one immutable checkpoint.
type Entry struct {
	Fingerprint   string
	Stage         string
	SchemaVersion int
	Payload       []byte
	Checksum      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Request describes a lookup-or-compute call.
type Request struct {
	Fingerprint string
	Stage       string
	// TTL bounds the entry lifetime; zero keeps it until invalidated.
	TTL time.Duration
	// Validate rejects payloads that no longer decode into the stage's output
	// type. A rejected payload is handled like corruption.
	Validate func([]byte) error
}

// Result is the outcome of Do.
type Result struct {
	Payload []byte
	// Hit is true when this caller did not run compute.
	Hit bool
}

// Store is the SQLite-backed stage cache. It guarantees at most one
// computation per fingerprint: callers in the same process are coalesced with
// singleflight, and callers in other processes coordinate through a claim row.
type Store struct {
	db           *database.DB
	logger       *slog.Logger
	claimTimeout time.Duration
	pollInterval time.Duration
	now          func() time.Time

	group  singleflight.Group
	writes atomic.Int64
}

// Option customizes the store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logging.NewComponentLogger(logger, "stagecache")
	}
}

// WithClaimTimeout sets how long a claim is honoured without renewal.
func WithClaimTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.claimTimeout = d
		}
	}
}

// WithPollInterval sets how often a waiter re-checks a claimed fingerprint.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a cache over the shared database.
func New(db *database.DB, opts ...Option) *Store {
	s := &Store{
		db:           db,
		logger:       logging.NewNop(),
		claimTimeout: defaultClaimTimeout,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fingerprint returns a deterministic digest over namespace and components.
// Components are JSON encoded, so map keys are sorted and struct fields keep
// their declared order.
func Fingerprint(namespace string, components ...any) (string, error) {
	h := sha256.New()
	h.Write([]byte(namespace))
	for _, component := range components {
		encoded, err := json.Marshal(component)
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", namespace, err)
		}
		h.Write([]byte{0})
		h.Write(encoded)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum returns the hex sha256 of payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Writes reports how many entries this store has persisted since creation.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

// Get returns the entry for fingerprint. Expired entries are evicted and
// reported as misses; corrupt entries are evicted and reported as misses.
func (s *Store) Get(ctx context.Context, fingerprint string, validate func([]byte) error) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, stage, schema_version, payload, checksum, created_at, expires_at
         FROM stage_cache WHERE fingerprint = ?`, fingerprint)

	var (
		entry     Entry
		createdAt string
		expiresAt sql.NullString
	)
	if err := row.Scan(&entry.Fingerprint, &entry.Stage, &entry.SchemaVersion, &entry.Payload,
		&entry.Checksum, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read stage cache: %w", err)
	}
	entry.CreatedAt = database.ParseTime(createdAt)
	if expiresAt.Valid {
		entry.ExpiresAt = database.ParseTime(expiresAt.String)
	}

	if !entry.ExpiresAt.IsZero() && !s.now().Before(entry.ExpiresAt) {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM stage_cache WHERE fingerprint = ? AND expires_at = ?`,
			fingerprint, expiresAt.String); err != nil {
			return Entry{}, false, fmt.Errorf("evict expired entry: %w", err)
		}
		return Entry{}, false, nil
	}

	if err := verify(entry, validate); err != nil {
		logging.WarnWithContext(s.logger, "discarding unreadable checkpoint", "cache_corruption",
			logging.String(logging.FieldStage, entry.Stage),
			logging.String(logging.FieldFingerprint, fingerprint),
			logging.String(logging.FieldErrorKind, services.Kind(err)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stage will be recomputed"),
		)
		if _, delErr := s.db.ExecContext(ctx,
			`DELETE FROM stage_cache WHERE fingerprint = ? AND checksum = ?`,
			fingerprint, entry.Checksum); delErr != nil {
			return Entry{}, false, fmt.Errorf("evict corrupt entry: %w", delErr)
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func verify(entry Entry, validate func([]byte) error) error {
	if entry.SchemaVersion != SchemaVersion {
		return services.Wrap(services.ErrCacheCorruption, entry.Stage, "decode",
			fmt.Sprintf("schema version %d, want %d", entry.SchemaVersion, SchemaVersion), nil)
	}
	if Checksum(entry.Payload) != entry.Checksum {
		return services.Wrap(services.ErrCacheCorruption, entry.Stage, "decode", "checksum mismatch", nil)
	}
	if validate != nil {
		if err := validate(entry.Payload); err != nil {
			return services.Wrap(services.ErrCacheCorruption, entry.Stage, "decode", "payload rejected", err)
		}
	}
	return nil
}

// Put persists an entry unless one already exists for the fingerprint. The
// first writer wins; stored reports whether this call wrote the row.
func (s *Store) Put(ctx context.Context, fingerprint, stage string, payload []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	var expires any
	if ttl > 0 {
		expires = database.FormatTime(now.Add(ttl))
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_cache (fingerprint, stage, schema_version, payload, checksum, created_at, expires_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, stage, SchemaVersion, payload, Checksum(payload), database.FormatTime(now), expires)
	if err != nil {
		return false, services.Wrap(services.ErrStorage, stage, "write checkpoint", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checkpoint rows affected: %w", err)
	}
	if affected == 1 {
		s.writes.Add(1)
		return true, nil
	}
	return false, nil
}

// Do returns the cached payload for req.Fingerprint, running compute only when
// no valid entry exists and no other caller is already computing it.
//
// Coalesced callers share the leader's computation. If the leader is
// cancelled, a waiter whose own context is still live starts over instead of
// inheriting the cancellation.
func (s *Store) Do(ctx context.Context, req Request, compute func(context.Context) ([]byte, error)) (Result, error) {
	if req.Fingerprint == "" {
		return Result{}, errors.New("stage cache: empty fingerprint")
	}
	for {
		ran := false
		ch := s.group.DoChan(req.Fingerprint, func() (any, error) {
			ran = true
			return s.resolve(ctx, req, compute)
		})
		var shared singleflight.Result
		select {
		case shared = <-ch:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		if shared.Err != nil {
			if !ran && errors.Is(shared.Err, context.Canceled) && ctx.Err() == nil {
				s.logger.Debug("shared computation cancelled; retrying",
					logging.String(logging.FieldStage, req.Stage),
					logging.String(logging.FieldFingerprint, req.Fingerprint))
				continue
			}
			return Result{}, shared.Err
		}
		res := shared.Val.(Result)
		if !ran {
			res.Hit = true
		}
		return res, nil
	}
}

func (s *Store) resolve(ctx context.Context, req Request, compute func(context.Context) ([]byte, error)) (Result, error) {
	for {
		if entry, ok := s.lookup(ctx, req); ok {
			return Result{Payload: entry.Payload, Hit: true}, nil
		}

		owner, claimed, err := s.claim(ctx, req.Fingerprint)
		if err != nil {
			return Result{}, err
		}
		if claimed {
			return s.computeClaimed(ctx, req, owner, compute)
		}

		s.logger.Debug("fingerprint claimed elsewhere; waiting",
			logging.String(logging.FieldStage, req.Stage),
			logging.String(logging.FieldFingerprint, req.Fingerprint))
		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// lookup treats read errors as misses so a flaky cache never fails a stage.
func (s *Store) lookup(ctx context.Context, req Request) (Entry, bool) {
	entry, ok, err := s.Get(ctx, req.Fingerprint, req.Validate)
	if err != nil {
		logging.WarnWithContext(s.logger, "stage cache read failed", "cache_read_failed",
			logging.String(logging.FieldStage, req.Stage),
			logging.String(logging.FieldFingerprint, req.Fingerprint),
			logging.Error(err),
			logging.String(logging.FieldImpact, "treated as cache miss"),
		)
		return Entry{}, false
	}
	return entry, ok
}

func (s *Store) computeClaimed(ctx context.Context, req Request, owner string, compute func(context.Context) ([]byte, error)) (Result, error) {
	defer s.release(owner, req.Fingerprint)

	// Another instance may have written between the miss and the claim.
	if entry, ok := s.lookup(ctx, req); ok {
		return Result{Payload: entry.Payload, Hit: true}, nil
	}

	stopRenew := s.renewWhile(ctx, req.Fingerprint, owner)
	payload, err := compute(ctx)
	stopRenew()
	if err != nil {
		return Result{}, err
	}

	stored, err := s.Put(ctx, req.Fingerprint, req.Stage, payload, req.TTL)
	if err != nil {
		return Result{}, err
	}
	if !stored {
		// A stale claim was taken over and the original holder finished
		// first. Its value is authoritative.
		if entry, ok := s.lookup(ctx, req); ok {
			return Result{Payload: entry.Payload}, nil
		}
	}
	return Result{Payload: payload}, nil
}

func (s *Store) claim(ctx context.Context, fingerprint string) (string, bool, error) {
	owner := uuid.NewString()
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_claims (fingerprint, owner, expires_at) VALUES (?, ?, ?)
         ON CONFLICT(fingerprint) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
         WHERE stage_claims.expires_at <= ?`,
		fingerprint, owner, database.FormatTime(now.Add(s.claimTimeout)), database.FormatTime(now))
	if err != nil {
		return "", false, services.Wrap(services.ErrStorage, "", "claim fingerprint", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("claim rows affected: %w", err)
	}
	return owner, affected == 1, nil
}

// renewWhile extends the claim until the returned stop function is called so
// long computations are not taken over by waiters.
func (s *Store) renewWhile(ctx context.Context, fingerprint, owner string) func() {
	interval := s.claimTimeout / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.db.ExecContext(ctx,
					`UPDATE stage_claims SET expires_at = ? WHERE fingerprint = ? AND owner = ?`,
					database.FormatTime(s.now().Add(s.claimTimeout)), fingerprint, owner); err != nil {
					s.logger.Debug("claim renewal failed",
						logging.String(logging.FieldFingerprint, fingerprint), logging.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (s *Store) release(owner, fingerprint string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM stage_claims WHERE fingerprint = ? AND owner = ?`, fingerprint, owner); err != nil {
		s.logger.Debug("claim release failed",
			logging.String(logging.FieldFingerprint, fingerprint), logging.Error(err))
	}
}
