// Package telemetry reads live metric samples from the external
// time-series store over its SQL-over-HTTP interface.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veridian-controls/bmscore/internal/clock"
	"github.com/veridian-controls/bmscore/internal/config"
	"github.com/veridian-controls/bmscore/internal/types"
)

// ErrNoSample is returned when the store has no rows for the equipment.
var ErrNoSample = errors.New("telemetry: no sample found")

// Reader pulls the latest metrics for (site, equipment) pairs. Reads are
// best effort: read-your-writes is not guaranteed by the store.
type Reader struct {
	baseURL    string
	db         string
	httpClient *http.Client
	clk        clock.Clock
	freshness  time.Duration
	table      string
}

// NewReader creates a Reader against the store at baseURL.
func NewReader(baseURL, db string, clk clock.Clock) *Reader {
	return &Reader{
		baseURL:    strings.TrimRight(baseURL, "/"),
		db:         db,
		httpClient: &http.Client{Timeout: config.DefaultReadTimeout},
		clk:        clk,
		freshness:  config.DefaultFreshnessWindow,
		table:      "metrics",
	}
}

// SetFreshnessWindow overrides the default 5 minute staleness threshold.
func (r *Reader) SetFreshnessWindow(d time.Duration) {
	if d > 0 {
		r.freshness = d
	}
}

type queryRequest struct {
	Q  string `json:"q"`
	DB string `json:"db"`
}

// ReadLatest returns the newest sample for the equipment. Samples older
// than the freshness window are still returned, marked Stale with their
// age filled in. ErrNoSample means the store had no rows at all.
func (r *Reader) ReadLatest(ctx context.Context, siteID, equipmentID string) (*types.MetricSample, error) {
	q := fmt.Sprintf(
		"SELECT * FROM %s WHERE equipment_id = '%s' AND location_id = '%s' ORDER BY time DESC LIMIT 1",
		r.table, escapeSQL(equipmentID), escapeSQL(siteID),
	)
	rows, err := r.query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoSample
	}

	sample, err := rowToSample(rows[0], siteID, equipmentID)
	if err != nil {
		return nil, err
	}

	age := r.clk.Now().Sub(sample.Timestamp)
	if age > r.freshness {
		sample.Stale = true
		sample.Age = age
	}
	return sample, nil
}

// ReadRange returns up to limit samples in [from, to), oldest first. Used
// by the lead-lag coordinator for health trends.
func (r *Reader) ReadRange(ctx context.Context, siteID, equipmentID string, from, to time.Time, limit int) ([]*types.MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(
		"SELECT * FROM %s WHERE equipment_id = '%s' AND location_id = '%s' AND time >= '%s' AND time < '%s' ORDER BY time ASC LIMIT %d",
		r.table, escapeSQL(equipmentID), escapeSQL(siteID),
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano), limit,
	)
	rows, err := r.query(ctx, q)
	if err != nil {
		return nil, err
	}

	samples := make([]*types.MetricSample, 0, len(rows))
	for _, row := range rows {
		s, err := rowToSample(row, siteID, equipmentID)
		if err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (r *Reader) query(ctx context.Context, q string) ([]map[string]any, error) {
	body, err := json.Marshal(queryRequest{Q: q, DB: r.db})
	if err != nil {
		return nil, types.NewPermanentError("", "telemetry: encode query: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/query_sql", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewPermanentError("", "telemetry: build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, types.NewTransientError("", fmt.Errorf("telemetry query: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewPermanentError("", fmt.Sprintf("telemetry query rejected: %s - %s", resp.Status, string(raw)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewTransientError("", fmt.Errorf("telemetry query: %s", resp.Status))
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, types.NewTransientError("", fmt.Errorf("telemetry decode: %w", err))
	}
	return rows, nil
}

// rowToSample converts one result row. The "time" column is RFC-3339;
// everything except tag columns becomes a typed field.
func rowToSample(row map[string]any, siteID, equipmentID string) (*types.MetricSample, error) {
	rawTime, ok := row["time"].(string)
	if !ok {
		return nil, types.NewPermanentError(equipmentID, "telemetry: row missing time column")
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, rawTime); err != nil {
			return nil, types.NewPermanentError(equipmentID, "telemetry: bad timestamp "+rawTime)
		}
	}

	fields := make(map[string]types.FieldValue)
	for k, v := range row {
		switch k {
		case "time", "equipment_id", "location_id":
			continue
		}
		switch val := v.(type) {
		case float64:
			fields[k] = types.Number(val)
		case bool:
			fields[k] = types.Boolean(val)
		case string:
			fields[k] = types.String(val)
		}
	}

	return &types.MetricSample{
		EquipmentID: equipmentID,
		SiteID:      siteID,
		Timestamp:   ts,
		Fields:      fields,
	}, nil
}

func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
