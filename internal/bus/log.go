package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"maf/internal/events"
	"maf/internal/logging"
	"maf/internal/metrics"
	"maf/internal/repo"
)

const (
	StartEarliest = "earliest"
	StartLatest   = "latest"

	historyPageSize = 200
)

// LogConfig configures the persistent backend.
type LogConfig struct {
	Partitions int
	// Group names the consumer group; each group sees every event once.
	Group string
	// MemberID identifies this process within the group. Generated when empty.
	MemberID       string
	PollInterval   time.Duration
	BatchSize      int
	HandlerTimeout time.Duration
	LeaseTTL       time.Duration
	StartFrom      string
	RetryMaxTime   time.Duration
}

func (c *LogConfig) normalize() error {
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive")
	}
	if strings.TrimSpace(c.Group) == "" {
		return fmt.Errorf("consumer group is required")
	}
	if c.MemberID == "" {
		c.MemberID = uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	switch c.StartFrom {
	case "":
		c.StartFrom = StartEarliest
	case StartEarliest, StartLatest:
	default:
		return fmt.Errorf("start_from must be %s or %s", StartEarliest, StartLatest)
	}
	if c.RetryMaxTime <= 0 {
		c.RetryMaxTime = 5 * time.Second
	}
	return nil
}

// Partition maps a partition key onto [0, n).
func Partition(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// LogBus appends events to the bus_log table and consumes them through a
// consumer group. Partitions are leased to live group members; ordering
// holds within a partition only. Delivery is at least once: an offset is
// committed after every local handler has returned or timed out.
type LogBus struct {
	*hub

	db         *sql.DB
	cfg        LogConfig
	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	owned   []int

	pollMu sync.Mutex
}

type LogOption func(*LogBus)

func WithClock(now func() time.Time) LogOption {
	return func(b *LogBus) { b.now = now }
}

// WithBackOff replaces the retry policy for transport operations.
func WithBackOff(factory func() backoff.BackOff) LogOption {
	return func(b *LogBus) { b.newBackOff = factory }
}

func NewLog(db *sql.DB, cfg LogConfig, log *logging.Logger, m *metrics.Metrics, opts ...LogOption) (*LogBus, error) {
	if db == nil {
		return nil, errors.New("log bus requires a database")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	b := &LogBus{
		hub: newHub("log", log, m),
		db:  db,
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
	b.hub.log = b.hub.log.With("group", cfg.Group, "member", cfg.MemberID)
	b.newBackOff = func() backoff.BackOff {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 50 * time.Millisecond
		exp.MaxElapsedTime = b.cfg.RetryMaxTime
		return exp
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *LogBus) MemberID() string { return b.cfg.MemberID }

func (b *LogBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if b.cfg.StartFrom == StartLatest {
		if err := b.retry(ctx, "init_offsets", func() error { return b.initLatest(ctx) }); err != nil {
			return fmt.Errorf("init offsets: %w", err)
		}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	go b.run(runCtx, b.done)
	b.log.Info("event bus started", "partitions", b.cfg.Partitions, "start_from", b.cfg.StartFrom)
	return nil
}

// Stop ends consumption and gives up this member's partitions so the rest
// of the group can take them over without waiting for the lease to expire.
func (b *LogBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.owned = nil
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := b.leave(ctx); err != nil {
		b.log.Warn("leave group failed", "error", err.Error())
	}
	b.log.Info("event bus stopped")
	return nil
}

// Publish appends e to the log. It does not require the bus to be started:
// short-lived producers may publish without consuming.
func (b *LogBus) Publish(ctx context.Context, e events.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if !b.admit(e) {
		b.drop(e)
		return nil
	}
	body, err := events.EncodePayload(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	part := Partition(e.PartitionKey(), b.cfg.Partitions)
	err = b.retry(ctx, "publish", func() error {
		_, err := b.db.ExecContext(ctx, `INSERT INTO bus_log(part,event_id,type,source,target,correlation_id,ts,payload_json) VALUES(?,?,?,?,?,?,?,?)`,
			part, e.ID, string(e.Type), e.Source, e.Target, e.CorrelationID, repo.FormatTime(e.Timestamp), string(body))
		return err
	})
	if err != nil {
		b.systemError(ctx, "publish", e.ID, err)
		return fmt.Errorf("publish %s: %w", e.ID, err)
	}
	b.published.Add(1)
	b.metrics.EventPublished(string(e.Type))
	return nil
}

func (b *LogBus) Subscribe(t events.Type, h Handler, opts ...SubscribeOption) (string, error) {
	s, err := b.add(t, h, opts)
	if err != nil {
		return "", err
	}
	return s.id, nil
}

func (b *LogBus) Unsubscribe(id string) bool {
	return b.remove(id) != nil
}

func (b *LogBus) Replay(ctx context.Context, seq iter.Seq[events.Event]) error {
	return replay(ctx, seq, b.Publish)
}

func (b *LogBus) Stats() Stats {
	st := b.stats()
	b.mu.Lock()
	st.Running = b.running
	st.Partitions = append([]int(nil), b.owned...)
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus_log`).Scan(&st.HistorySize); err != nil {
		b.log.Warn("count log failed", "error", err.Error())
	}
	return st
}

func (b *LogBus) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := b.Poll(ctx); err != nil && ctx.Err() == nil {
			b.log.Error("poll failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one consume cycle: heartbeat, rebalance, then up to BatchSize
// events from each owned partition. Start runs it every PollInterval.
func (b *LogBus) Poll(ctx context.Context) error {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()

	var parts []int
	err := b.retry(ctx, "rebalance", func() error {
		var err error
		parts, err = b.rebalance(ctx)
		return err
	})
	if err != nil {
		b.systemError(ctx, "rebalance", "", err)
		return err
	}
	b.mu.Lock()
	b.owned = parts
	b.mu.Unlock()

	var errs []error
	for _, part := range parts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := b.consume(ctx, part); err != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", part, err))
		}
	}
	return errors.Join(errs...)
}

// rebalance renews this member's heartbeat and leases, then claims or
// releases partitions so that each live member holds at most
// ceil(partitions / live members).
func (b *LogBus) rebalance(ctx context.Context) ([]int, error) {
	now := b.now()
	nowStr := repo.FormatTime(now)
	expires := repo.FormatTime(now.Add(b.cfg.LeaseTTL))
	cutoff := repo.FormatTime(now.Add(-b.cfg.LeaseTTL))
	group, me := b.cfg.Group, b.cfg.MemberID

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO bus_members(group_id,member_id,heartbeat_at) VALUES(?,?,?)
		ON CONFLICT(group_id,member_id) DO UPDATE SET heartbeat_at=excluded.heartbeat_at`, group, me, nowStr); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bus_members WHERE group_id=? AND heartbeat_at<?`, group, cutoff); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bus_partition_owners WHERE group_id=? AND expires_at<?`, group, nowStr); err != nil {
		return nil, err
	}
	var live int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus_members WHERE group_id=?`, group).Scan(&live); err != nil {
		return nil, err
	}
	if live < 1 {
		live = 1
	}
	share := (b.cfg.Partitions + live - 1) / live

	rows, err := tx.QueryContext(ctx, `SELECT part, member_id FROM bus_partition_owners WHERE group_id=?`, group)
	if err != nil {
		return nil, err
	}
	taken := map[int]bool{}
	var mine []int
	for rows.Next() {
		var part int
		var member string
		if err := rows.Scan(&part, &member); err != nil {
			rows.Close()
			return nil, err
		}
		taken[part] = true
		if member == me {
			mine = append(mine, part)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	sort.Ints(mine)

	if len(mine) > share {
		for _, part := range mine[share:] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM bus_partition_owners WHERE group_id=? AND part=? AND member_id=?`, group, part, me); err != nil {
				return nil, err
			}
		}
		mine = mine[:share]
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bus_partition_owners SET expires_at=? WHERE group_id=? AND member_id=?`, expires, group, me); err != nil {
		return nil, err
	}
	for part := 0; part < b.cfg.Partitions && len(mine) < share; part++ {
		if taken[part] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO bus_partition_owners(group_id,part,member_id,expires_at) VALUES(?,?,?,?)`, group, part, me, expires); err != nil {
			return nil, err
		}
		mine = append(mine, part)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	sort.Ints(mine)
	return mine, nil
}

func (b *LogBus) leave(ctx context.Context) error {
	return b.retry(ctx, "leave", func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM bus_partition_owners WHERE group_id=? AND member_id=?`, b.cfg.Group, b.cfg.MemberID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM bus_members WHERE group_id=? AND member_id=?`, b.cfg.Group, b.cfg.MemberID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// initLatest positions a new group at the current end of every partition.
// Existing offsets are left alone.
func (b *LogBus) initLatest(ctx context.Context) error {
	at := repo.FormatTime(b.now())
	for part := 0; part < b.cfg.Partitions; part++ {
		if _, err := b.db.ExecContext(ctx, `INSERT INTO bus_offsets(group_id,part,seq,updated_at)
			SELECT ?, ?, COALESCE(MAX(seq),0), ? FROM bus_log WHERE part=?
			ON CONFLICT(group_id,part) DO NOTHING`, b.cfg.Group, part, at, part); err != nil {
			return err
		}
	}
	return nil
}

type logRecord struct {
	seq   int64
	ts    string
	event events.Event
	err   error
}

func (b *LogBus) consume(ctx context.Context, part int) error {
	var offset int64
	err := b.retry(ctx, "read_offset", func() error {
		err := b.db.QueryRowContext(ctx, `SELECT seq FROM bus_offsets WHERE group_id=? AND part=?`, b.cfg.Group, part).Scan(&offset)
		if errors.Is(err, sql.ErrNoRows) {
			offset = 0
			return nil
		}
		return err
	})
	if err != nil {
		b.systemError(ctx, "read_offset", "", err)
		return err
	}

	var batch []logRecord
	err = b.retry(ctx, "poll", func() error {
		var err error
		batch, err = b.readPartition(ctx, part, offset)
		return err
	})
	if err != nil {
		b.systemError(ctx, "poll", "", err)
		return err
	}

	for _, rec := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rec.err != nil {
			b.log.Error("undecodable log record skipped", "seq", rec.seq, "partition", part, "error", rec.err.Error())
			b.systemError(ctx, "decode", rec.event.ID, rec.err)
		} else {
			b.deliver(ctx, rec.event)
		}
		if ctx.Err() != nil {
			// Stopping mid-delivery: leave the offset so the event is redelivered.
			return ctx.Err()
		}
		seq := rec.seq
		err := b.retry(ctx, "commit", func() error {
			_, err := b.db.ExecContext(ctx, `INSERT INTO bus_offsets(group_id,part,seq,updated_at) VALUES(?,?,?,?)
				ON CONFLICT(group_id,part) DO UPDATE SET seq=excluded.seq, updated_at=excluded.updated_at
				WHERE excluded.seq > bus_offsets.seq`, b.cfg.Group, part, seq, repo.FormatTime(b.now()))
			return err
		})
		if err != nil {
			b.systemError(ctx, "commit", rec.event.ID, err)
			return err
		}
	}
	return nil
}

const logColumns = `seq,event_id,type,source,target,correlation_id,ts,payload_json`

func (b *LogBus) readPartition(ctx context.Context, part int, after int64) ([]logRecord, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+logColumns+` FROM bus_log WHERE part=? AND seq>? ORDER BY seq LIMIT ?`, part, after, b.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []logRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanRecord fails only on scan errors; decode errors are carried in the record.
func scanRecord(row interface{ Scan(...any) error }) (logRecord, error) {
	var rec logRecord
	var id, typ, source, body string
	var target, correlation sql.NullString
	if err := row.Scan(&rec.seq, &id, &typ, &source, &target, &correlation, &rec.ts, &body); err != nil {
		return logRecord{}, err
	}
	rec.event = events.Event{
		ID:            id,
		Type:          events.Type(typ),
		Source:        source,
		Target:        target.String,
		CorrelationID: correlation.String,
	}
	at, err := repo.ParseTime(rec.ts)
	if err != nil {
		rec.err = fmt.Errorf("timestamp: %w", err)
		return rec, nil
	}
	rec.event.Timestamp = at
	p, err := events.DecodePayload(rec.event.Type, []byte(body))
	if err != nil {
		rec.err = err
		return rec, nil
	}
	rec.event.Payload = p
	return rec, nil
}

// deliver runs every matching handler concurrently and waits for each to
// return or hit HandlerTimeout. A timed-out handler is abandoned and
// reported like a failed one.
func (b *LogBus) deliver(ctx context.Context, e events.Event) {
	subs := b.matching(e)
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			b.handle(ctx, s, e)
		}(s)
	}
	wg.Wait()
}

func (b *LogBus) handle(ctx context.Context, s *subscription, e events.Event) {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- invoke(hctx, s, e) }()

	var err error
	select {
	case err = <-result:
	case <-hctx.Done():
		if ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("handler timed out after %s", b.cfg.HandlerTimeout)
	}
	if err == nil {
		b.delivered.Add(1)
		return
	}
	report, ok := b.failure(s, e, err)
	if !ok {
		return
	}
	if perr := b.Publish(ctx, report); perr != nil {
		b.log.Warn("agent error not published", "event_id", e.ID, "error", perr.Error())
	}
}

// systemError hands a transport failure that outlived its retries to local
// subscribers. It is not written to the log, which may be the failing part.
func (b *LogBus) systemError(ctx context.Context, op, eventID string, err error) {
	if ctx.Err() != nil {
		return
	}
	b.log.Error("transport operation failed", "operation", op, "event_id", eventID, "error", err.Error())
	e := events.New("bus", events.SystemErrorPayload{
		Component: "bus",
		Operation: op,
		EventID:   eventID,
		Error:     err.Error(),
	})
	b.deliver(ctx, e)
}

func (b *LogBus) retry(ctx context.Context, op string, fn func() error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b.newBackOff(), ctx))
	if err != nil {
		return err
	}
	if attempts > 1 {
		b.log.Info("transport operation recovered", "operation", op, "attempts", attempts)
	}
	return nil
}

// History pages through the log ordered by timestamp. Events appended after
// the call are not included.
func (b *LogBus) History(ctx context.Context, q Query) iter.Seq[events.Event] {
	return func(yield func(events.Event) bool) {
		var maxSeq int64
		if err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM bus_log`).Scan(&maxSeq); err != nil {
			b.log.Warn("history failed", "error", err.Error())
			return
		}
		var (
			lastTS  string
			lastSeq int64
			n       int
		)
		for {
			page, err := b.historyPage(ctx, q, maxSeq, lastTS, lastSeq)
			if err != nil {
				b.log.Warn("history failed", "error", err.Error())
				return
			}
			for _, rec := range page {
				lastTS, lastSeq = rec.ts, rec.seq
				if rec.err != nil {
					continue
				}
				if !yield(rec.event) {
					return
				}
				n++
				if q.Limit > 0 && n >= q.Limit {
					return
				}
			}
			if len(page) < historyPageSize {
				return
			}
		}
	}
}

func (b *LogBus) historyPage(ctx context.Context, q Query, maxSeq int64, lastTS string, lastSeq int64) ([]logRecord, error) {
	where := []string{"seq<=?", "(ts>? OR (ts=? AND seq>?))"}
	args := []any{maxSeq, lastTS, lastTS, lastSeq}
	if !q.Since.IsZero() {
		where = append(where, "ts>=?")
		args = append(args, repo.FormatTime(q.Since))
	}
	if q.Source != "" {
		where = append(where, "source=?")
		args = append(args, q.Source)
	}
	if q.Type != "" && q.Type != AllTypes {
		where = append(where, "type=?")
		args = append(args, string(q.Type))
	}
	args = append(args, historyPageSize)
	rows, err := b.db.QueryContext(ctx, `SELECT `+logColumns+` FROM bus_log WHERE `+strings.Join(where, " AND ")+` ORDER BY ts, seq LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []logRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
