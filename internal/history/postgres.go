package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS perftest_attempts (
    run_id       TEXT NOT NULL,
    from_cloud   TEXT NOT NULL,
    from_region  TEXT NOT NULL,
    to_cloud     TEXT NOT NULL,
    to_region    TEXT NOT NULL,
    aws_vm       TEXT,
    gcp_vm       TEXT,
    attempted_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS perftest_failures (
    run_id      TEXT NOT NULL,
    from_cloud  TEXT NOT NULL,
    from_region TEXT NOT NULL,
    to_cloud    TEXT NOT NULL,
    to_region   TEXT NOT NULL,
    failed_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS perftest_vm_failures (
    run_id       TEXT NOT NULL,
    cloud        TEXT NOT NULL,
    region       TEXT NOT NULL,
    machine_type TEXT,
    failed_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS perftest_results (
    run_id      TEXT NOT NULL,
    from_cloud  TEXT NOT NULL,
    from_region TEXT NOT NULL,
    to_cloud    TEXT NOT NULL,
    to_region   TEXT NOT NULL,
    result      JSONB NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore keeps history in PostgreSQL so several operators can share it.
// Results are committed as they are recorded, so CombineRun has nothing to do.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects using the supplied connection string and
// creates the tables if needed.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse history dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect history db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) RecordAttempts(ctx context.Context, runID string, pairs []types.RegionPair, machineTypes map[types.Cloud]string) error {
	const insert = `
INSERT INTO perftest_attempts (run_id, from_cloud, from_region, to_cloud, to_region, aws_vm, gcp_vm, attempted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);
`
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, pair := range pairs {
		batch.Queue(insert, runID,
			string(pair.Src.Cloud), pair.Src.ID, string(pair.Dst.Cloud), pair.Dst.ID,
			machineTypes[types.AWS], machineTypes[types.GCP], now)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record attempts: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecordFailure(ctx context.Context, runID string, pair types.RegionPair) error {
	const insert = `
INSERT INTO perftest_failures (run_id, from_cloud, from_region, to_cloud, to_region, failed_at)
VALUES ($1,$2,$3,$4,$5,$6);
`
	_, err := p.pool.Exec(ctx, insert, runID,
		string(pair.Src.Cloud), pair.Src.ID, string(pair.Dst.Cloud), pair.Dst.ID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record failure %s: %w", pair, err)
	}
	return nil
}

func (p *PostgresStore) RecordVMFailure(ctx context.Context, runID string, region types.Region, machineType string) error {
	const insert = `
INSERT INTO perftest_vm_failures (run_id, cloud, region, machine_type, failed_at)
VALUES ($1,$2,$3,$4,$5);
`
	_, err := p.pool.Exec(ctx, insert, runID, string(region.Cloud), region.ID, machineType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record vm failure %s: %w", region, err)
	}
	return nil
}

func (p *PostgresStore) RecordSuccess(ctx context.Context, runID string, pair types.RegionPair, result Result) error {
	const insert = `
INSERT INTO perftest_results (run_id, from_cloud, from_region, to_cloud, to_region, result, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);
`
	now := time.Now().UTC()
	b, err := json.Marshal(withPairFields(result, runID, pair, now))
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = p.pool.Exec(ctx, insert, runID,
		string(pair.Src.Cloud), pair.Src.ID, string(pair.Dst.Cloud), pair.Dst.ID, b, now)
	if err != nil {
		return fmt.Errorf("record result %s: %w", pair, err)
	}
	return nil
}

func (p *PostgresStore) CombineRun(context.Context, string) error {
	return nil
}

func (p *PostgresStore) LoadHistory(ctx context.Context) (*History, error) {
	h := &History{}
	if err := p.queryEntries(ctx, `SELECT run_id, from_cloud, from_region, to_cloud, to_region, attempted_at FROM perftest_attempts ORDER BY attempted_at;`,
		func(e Entry) { h.Attempts = append(h.Attempts, e) }); err != nil {
		return nil, err
	}
	if err := p.queryEntries(ctx, `SELECT run_id, from_cloud, from_region, to_cloud, to_region, failed_at FROM perftest_failures ORDER BY failed_at;`,
		func(e Entry) { h.Failures = append(h.Failures, e) }); err != nil {
		return nil, err
	}
	if err := p.queryEntries(ctx, `SELECT run_id, from_cloud, from_region, to_cloud, to_region, recorded_at FROM perftest_results ORDER BY recorded_at;`,
		h.addSuccess); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `SELECT run_id, cloud, region, COALESCE(machine_type, ''), failed_at FROM perftest_vm_failures ORDER BY failed_at;`)
	if err != nil {
		return nil, fmt.Errorf("query vm failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f VMFailure
		var cloud, region string
		if err := rows.Scan(&f.RunID, &cloud, &region, &f.MachineType, &f.Time); err != nil {
			return nil, fmt.Errorf("scan vm failure: %w", err)
		}
		if f.Region, err = regionKey(cloud, region); err != nil {
			return nil, err
		}
		h.VMFailures = append(h.VMFailures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *PostgresStore) queryEntries(ctx context.Context, query string, add func(Entry)) error {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var fromCloud, fromRegion, toCloud, toRegion string
		if err := rows.Scan(&e.RunID, &fromCloud, &fromRegion, &toCloud, &toRegion, &e.Time); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		if e.Pair, err = pairKey(fromCloud, fromRegion, toCloud, toRegion); err != nil {
			return err
		}
		add(e)
	}
	return rows.Err()
}
