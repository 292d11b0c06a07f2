package upstreamkey

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeyStore is the atomic contract the Key Scheduler depends on. Any backend
// satisfying it is acceptable; Store is the Postgres/pgx implementation.
type KeyStore interface {
	Add(ctx context.Context, key UpstreamKey) error
	Delete(ctx context.Context, identifier string) error
	Reset(ctx context.Context, identifier string) error
	ResetAll(ctx context.Context) error
	GetState(ctx context.Context, identifier string) (KeyState, bool, error)
	ListAll(ctx context.Context) ([]KeyState, error)
	PickNextAvailableAndLock(ctx context.Context) (UpstreamKey, bool, error)
	MoveToCooldown(ctx context.Context, identifier string, failCount, coolDownEntryCount int, coolDownUntil int64, coolDownSeconds int, lastUsageTime int64) error
	ReleaseFromUse(ctx context.Context, identifier string, failCount int, lastUsageTime int64) error
	Reactivate(ctx context.Context, identifier string) error
	ListReleasable(ctx context.Context) ([]UpstreamKey, error)
	ListInUse(ctx context.Context) ([]UpstreamKey, error)
	Counts(ctx context.Context) (Counts, error)
	MinCoolDownUntil(ctx context.Context) (int64, bool, error)
	SaveState(ctx context.Context, state KeyState) error
	Briefs(ctx context.Context) (map[string]string, error)
}

// Store provides database operations for upstream keys and their scheduler
// state using the global pool, following pkg/apikey's Store-wraps-pool shape.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Key Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ KeyStore = (*Store)(nil)

// Add inserts a new upstream key with fresh (available) scheduler state.
func (s *Store) Add(ctx context.Context, key UpstreamKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning add-key transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO upstream_keys (identifier, secret, brief) VALUES ($1, $2, $3)
		 ON CONFLICT (identifier) DO NOTHING`,
		key.Identifier, key.Secret, key.Brief,
	); err != nil {
		return fmt.Errorf("inserting upstream key: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO key_states (identifier) VALUES ($1)
		 ON CONFLICT (identifier) DO NOTHING`,
		key.Identifier,
	); err != nil {
		return fmt.Errorf("inserting key state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing add-key transaction: %w", err)
	}
	return nil
}

// Delete permanently removes an upstream key; its key_states and request_logs
// rows cascade per the migration's FK constraints.
func (s *Store) Delete(ctx context.Context, identifier string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM upstream_keys WHERE identifier = $1`, identifier)
	if err != nil {
		return fmt.Errorf("deleting upstream key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Reset forces a single key's state back to AVAILABLE and zeroes its counters.
func (s *Store) Reset(ctx context.Context, identifier string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE key_states SET
			cool_down_until = 0,
			request_fail_count = 0,
			cool_down_entry_count = 0,
			current_cool_down_seconds = 0,
			is_in_use = false,
			is_cooled_down = false
		WHERE identifier = $1`, identifier)
	if err != nil {
		return fmt.Errorf("resetting key state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ResetAll resets every key's state to AVAILABLE.
func (s *Store) ResetAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE key_states SET
			cool_down_until = 0,
			request_fail_count = 0,
			cool_down_entry_count = 0,
			current_cool_down_seconds = 0,
			is_in_use = false,
			is_cooled_down = false`); err != nil {
		return fmt.Errorf("resetting all key states: %w", err)
	}
	return nil
}

const stateColumns = `identifier, cool_down_until, request_fail_count, cool_down_entry_count,
	current_cool_down_seconds, last_usage_time, is_in_use, is_cooled_down`

func scanState(row pgx.Row) (KeyState, error) {
	var st KeyState
	err := row.Scan(
		&st.Identifier, &st.CoolDownUntil, &st.RequestFailCount, &st.CoolDownEntryCount,
		&st.CurrentCoolDownSeconds, &st.LastUsageTime, &st.IsInUse, &st.IsCooledDown,
	)
	return st, err
}

// GetState returns a single key's state snapshot.
func (s *Store) GetState(ctx context.Context, identifier string) (KeyState, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM key_states WHERE identifier = $1`, identifier)
	st, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return KeyState{}, false, nil
	}
	if err != nil {
		return KeyState{}, false, fmt.Errorf("scanning key state: %w", err)
	}
	return st, true, nil
}

// ListAll returns every key's state, ordered for observability
// (non-cooling keys before cooling ones, in-use before available, oldest
// usage first).
func (s *Store) ListAll(ctx context.Context) ([]KeyState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stateColumns+` FROM key_states
		ORDER BY is_cooled_down ASC, is_in_use DESC, last_usage_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing key states: %w", err)
	}
	defer rows.Close()

	var out []KeyState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning key state row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PickNextAvailableAndLock is the single most important guarantee in the
// system: within one transaction it selects the available key with the
// oldest last_usage_time (FIFO fairness), marks it in-use, and returns it.
// SELECT ... FOR UPDATE SKIP LOCKED ensures two concurrent callers never
// receive the same key, even under heavy contention.
func (s *Store) PickNextAvailableAndLock(ctx context.Context) (UpstreamKey, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return UpstreamKey{}, false, fmt.Errorf("beginning pick-and-lock transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var identifier string
	err = tx.QueryRow(ctx, `
		SELECT identifier FROM key_states
		WHERE is_in_use = false AND is_cooled_down = false
		ORDER BY last_usage_time ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&identifier)
	if errors.Is(err, pgx.ErrNoRows) {
		return UpstreamKey{}, false, nil
	}
	if err != nil {
		return UpstreamKey{}, false, fmt.Errorf("selecting next available key: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE key_states SET is_in_use = true, last_usage_time = extract(epoch from now())
		WHERE identifier = $1`, identifier); err != nil {
		return UpstreamKey{}, false, fmt.Errorf("locking key for use: %w", err)
	}

	var key UpstreamKey
	if err := tx.QueryRow(ctx, `SELECT identifier, secret, brief FROM upstream_keys WHERE identifier = $1`, identifier).
		Scan(&key.Identifier, &key.Secret, &key.Brief); err != nil {
		return UpstreamKey{}, false, fmt.Errorf("loading locked key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return UpstreamKey{}, false, fmt.Errorf("committing pick-and-lock transaction: %w", err)
	}
	return key, true, nil
}

// MoveToCooldown sets is_cooled_down, clears is_in_use, and writes the
// cooldown deadline and applied duration, along with the failure counters
// that drove the decision (the Key Scheduler's MarkFail uses this as its
// single atomic write instead of a generic SaveState).
func (s *Store) MoveToCooldown(ctx context.Context, identifier string, failCount, coolDownEntryCount int, coolDownUntil int64, coolDownSeconds int, lastUsageTime int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE key_states SET
			is_cooled_down = true,
			is_in_use = false,
			request_fail_count = $2,
			cool_down_entry_count = $3,
			cool_down_until = $4,
			current_cool_down_seconds = $5,
			last_usage_time = $6
		WHERE identifier = $1`, identifier, failCount, coolDownEntryCount, coolDownUntil, coolDownSeconds, lastUsageTime)
	if err != nil {
		return fmt.Errorf("moving key to cooldown: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ReleaseFromUse clears is_in_use without touching cooldown fields, and
// records the failure counter/usage-time update from a sub-threshold
// failure. Idempotent.
func (s *Store) ReleaseFromUse(ctx context.Context, identifier string, failCount int, lastUsageTime int64) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE key_states SET is_in_use = false, request_fail_count = $2, last_usage_time = $3
		WHERE identifier = $1`, identifier, failCount, lastUsageTime); err != nil {
		return fmt.Errorf("releasing key from use: %w", err)
	}
	return nil
}

// Reactivate clears both flags and the cooldown deadline. Idempotent.
func (s *Store) Reactivate(ctx context.Context, identifier string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE key_states SET is_in_use = false, is_cooled_down = false, cool_down_until = 0
		WHERE identifier = $1`, identifier); err != nil {
		return fmt.Errorf("reactivating key: %w", err)
	}
	return nil
}

// ListReleasable returns every key whose cooldown has expired.
func (s *Store) ListReleasable(ctx context.Context) ([]UpstreamKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT k.identifier, k.secret, k.brief
		FROM upstream_keys k JOIN key_states s ON s.identifier = k.identifier
		WHERE s.is_cooled_down = true AND s.cool_down_until <= extract(epoch from now())`)
	if err != nil {
		return nil, fmt.Errorf("listing releasable keys: %w", err)
	}
	return scanKeys(rows)
}

// ListInUse returns every currently leased key.
func (s *Store) ListInUse(ctx context.Context) ([]UpstreamKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT k.identifier, k.secret, k.brief
		FROM upstream_keys k JOIN key_states s ON s.identifier = k.identifier
		WHERE s.is_in_use = true`)
	if err != nil {
		return nil, fmt.Errorf("listing in-use keys: %w", err)
	}
	return scanKeys(rows)
}

func scanKeys(rows pgx.Rows) ([]UpstreamKey, error) {
	defer rows.Close()
	var out []UpstreamKey
	for rows.Next() {
		var k UpstreamKey
		if err := rows.Scan(&k.Identifier, &k.Secret, &k.Brief); err != nil {
			return nil, fmt.Errorf("scanning upstream key row: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Counts returns the population split across the three mutually exclusive
// states via a single grouped query.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) AS total,
			count(*) FILTER (WHERE is_in_use) AS in_use,
			count(*) FILTER (WHERE is_cooled_down) AS cooled,
			count(*) FILTER (WHERE NOT is_in_use AND NOT is_cooled_down) AS available
		FROM key_states`).Scan(&c.Total, &c.InUse, &c.Cooled, &c.Available)
	if err != nil {
		return Counts{}, fmt.Errorf("counting key states: %w", err)
	}
	return c, nil
}

// MinCoolDownUntil returns the soonest cooldown deadline among cooling keys,
// used by the release loop to sleep efficiently instead of busy-polling.
func (s *Store) MinCoolDownUntil(ctx context.Context) (int64, bool, error) {
	var until int64
	err := s.pool.QueryRow(ctx, `
		SELECT min(cool_down_until) FROM key_states WHERE is_cooled_down = true`).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) || until == 0 {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("computing min cool down until: %w", err)
	}
	return until, true, nil
}

// SaveState persists every mutable field of a state snapshot obtained from
// GetState. Callers use this after modifying fields in memory (the
// Scheduler's policy layer).
func (s *Store) SaveState(ctx context.Context, state KeyState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE key_states SET
			cool_down_until = $2,
			request_fail_count = $3,
			cool_down_entry_count = $4,
			current_cool_down_seconds = $5,
			last_usage_time = $6,
			is_in_use = $7,
			is_cooled_down = $8
		WHERE identifier = $1`,
		state.Identifier, state.CoolDownUntil, state.RequestFailCount, state.CoolDownEntryCount,
		state.CurrentCoolDownSeconds, state.LastUsageTime, state.IsInUse, state.IsCooledDown,
	)
	if err != nil {
		return fmt.Errorf("saving key state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Briefs returns every upstream key's redacted brief, keyed by identifier,
// for display alongside the state snapshot returned by ListAll.
func (s *Store) Briefs(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT identifier, brief FROM upstream_keys`)
	if err != nil {
		return nil, fmt.Errorf("listing key briefs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var identifier, brief string
		if err := rows.Scan(&identifier, &brief); err != nil {
			return nil, fmt.Errorf("scanning key brief row: %w", err)
		}
		out[identifier] = brief
	}
	return out, rows.Err()
}
