// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
)

// TimeSeriesReader answers "last value in the past five minutes" from
// InfluxDB.
//
// # Description
//
// When the home controller mirrors entity states into a time-series bucket,
// reading the last point is cheaper and more available than hitting the
// controller's REST API, so this reader is preferred when configured. A
// point older than the window means the entity has gone quiet and the live
// service should be consulted instead.
type TimeSeriesReader struct {
	queryAPI api.QueryAPI
	bucket   string
	window   time.Duration
}

// NewTimeSeriesReader builds a last-value reader over an InfluxDB bucket.
//
// # Inputs
//
//   - queryAPI: Influx query API bound to the organization.
//   - bucket: Bucket holding the "entity_state" measurement.
//   - window: Lookback window; zero means the 5-minute default.
func NewTimeSeriesReader(queryAPI api.QueryAPI, bucket string, window time.Duration) *TimeSeriesReader {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &TimeSeriesReader{queryAPI: queryAPI, bucket: bucket, window: window}
}

// CurrentState returns the entity's last value within the lookback window,
// or nil when no point exists (fall through to the live service).
func (r *TimeSeriesReader) CurrentState(ctx context.Context, entityID string) (*StateValue, error) {
	query := fmt.Sprintf(`
        from(bucket: "%s")
          |> range(start: -%ds)
          |> filter(fn: (r) => r._measurement == "entity_state")
          |> filter(fn: (r) => r.entity_id == "%s")
          |> last()
    `, r.bucket, int(r.window.Seconds()), entityID)

	result, err := r.queryAPI.Query(ctx, query)
	if err != nil {
		slog.Warn("Time-series query failed, falling back to live state",
			"entity_id", entityID, "error", err)
		return nil, nil
	}

	if result != nil && result.Next() {
		record := result.Record()
		value := &StateValue{
			EntityID: entityID,
			State:    fmt.Sprintf("%v", record.Value()),
			Source:   "timeseries",
			At:       record.Time(),
		}
		if unit, ok := record.ValueByKey("unit").(string); ok {
			value.Unit = unit
		}
		return value, nil
	}
	if result != nil && result.Err() != nil {
		slog.Warn("Time-series result error", "entity_id", entityID, "error", result.Err())
	}
	return nil, nil
}
