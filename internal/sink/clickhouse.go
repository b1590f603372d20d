package sink

import (
	"FlowDAQ/internal/config"
	"FlowDAQ/internal/model"
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS sensor_samples (
    RunID       String,
    FileName    String,
    StartedAt   DateTime64(3, 'UTC'),
    SampleIndex UInt32,
    Time        Float64,
    Channel     LowCardinality(String),
    Value       Float64,
    Regimen     LowCardinality(String)
) ENGINE = ReplacingMergeTree()
PARTITION BY toYYYYMM(StartedAt)
ORDER BY (RunID, Channel, SampleIndex);
`

// archiveRow is one channel value of one sample as stored in sensor_samples.
type archiveRow struct {
	RunID       string
	FileName    string
	StartedAt   time.Time
	SampleIndex uint32
	Time        float64
	Channel     string
	Value       float64
	Regimen     string
}

// ClickHouseWriter archives every sample of a run into ClickHouse.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter connects to ClickHouse and ensures the sample table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured table exists.")

	return &ClickHouseWriter{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// Write inserts the run's samples. The table deduplicates on (RunID, Channel, SampleIndex), so
// a retried write does not double the archive.
func (w *ClickHouseWriter) Write(ctx context.Context, run *model.FinishedRun) error {
	rows := archiveRows(run)
	if len(rows) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO sensor_samples")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range rows {
		err = batch.Append(r.RunID, r.FileName, r.StartedAt, r.SampleIndex, r.Time, r.Channel, r.Value, r.Regimen)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append sample to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	log.Printf("Archived %d values to ClickHouse for run '%s'", len(rows), run.Meta.ID)
	return nil
}

// Close releases the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// archiveRows flattens a run into one row per finite channel value.
func archiveRows(run *model.FinishedRun) []archiveRow {
	rows := make([]archiveRow, 0, len(run.Samples)*len(run.Channels))
	for i, s := range run.Samples {
		for _, ch := range run.Channels {
			v, ok := s.Values[ch]
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			rows = append(rows, archiveRow{
				RunID:       run.Meta.ID,
				FileName:    run.Meta.FileName,
				StartedAt:   run.Meta.StartedAt.UTC(),
				SampleIndex: uint32(i),
				Time:        s.Time,
				Channel:     ch,
				Value:       v,
				Regimen:     string(s.Regimen),
			})
		}
	}
	return rows
}
