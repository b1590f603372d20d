package sink

import (
	"FlowDAQ/internal/config"
	"FlowDAQ/internal/model"
	"context"
	"fmt"
	"math"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const channelStatisticsQuery = `
	SELECT
		Channel,
		count() AS N,
		avg(Value) AS Mean,
		stddevSamp(Value) AS StdDev,
		min(Value) AS Min,
		max(Value) AS Max,
		min(SampleIndex) AS FirstIndex
	FROM sensor_samples FINAL
	WHERE RunID = ?
	GROUP BY Channel
	ORDER BY FirstIndex, Channel
`

// Querier reads archived samples back out of ClickHouse.
type Querier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (*Querier, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &Querier{conn: conn}, nil
}

// ChannelStatistics computes per-channel statistics for a run on the server side.
func (q *Querier) ChannelStatistics(ctx context.Context, runID string) ([]model.ChannelStatistics, error) {
	rows, err := q.conn.Query(ctx, channelStatisticsQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.ChannelStatistics
	for rows.Next() {
		var (
			channel               string
			n                     uint64
			mean, std, minV, maxV float64
			firstIndex            uint32
		)
		if err := rows.Scan(&channel, &n, &mean, &std, &minV, &maxV, &firstIndex); err != nil {
			return nil, fmt.Errorf("failed to scan statistics result: %w", err)
		}
		out = append(out, archivedStatistics(channel, n, mean, std, minV, maxV))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read statistics result: %w", err)
	}
	return out, nil
}

// Close releases the connection.
func (q *Querier) Close() error {
	return q.conn.Close()
}

func archivedStatistics(channel string, n uint64, mean, std, minV, maxV float64) model.ChannelStatistics {
	st := model.ChannelStatistics{Channel: channel, Count: int(n)}
	if n < 2 || math.IsNaN(std) {
		return st
	}
	st.Mean = mean
	st.StdDev = std
	st.Min = minV
	st.Max = maxV
	st.Available = true
	return st
}
