package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/config"
	"github.com/KevinKickass/RegisterMapper/internal/types"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// InfluxClient stores device readouts in an InfluxDB bucket.
type InfluxClient struct {
	client      influxdb2.Client
	writer      api.WriteAPIBlocking
	measurement string
	logger      *zap.Logger
}

// NewInfluxClient connects to InfluxDB. The token is read from the
// environment variable named by cfg.TokenEnv.
func NewInfluxClient(ctx context.Context, cfg config.InfluxConfig, logger *zap.Logger) (*InfluxClient, error) {
	client := influxdb2.NewClient(cfg.URL, os.Getenv(cfg.TokenEnv))

	ok, err := client.Ping(ctx)
	if err != nil || !ok {
		client.Close()
		if err == nil {
			err = fmt.Errorf("no answer")
		}
		return nil, fmt.Errorf("failed to ping influxdb at %s: %w", cfg.URL, err)
	}

	logger.Info("InfluxDB reachable",
		zap.String("url", cfg.URL),
		zap.String("bucket", cfg.Bucket))

	return &InfluxClient{
		client:      client,
		writer:      client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      logger,
	}, nil
}

func (c *InfluxClient) Close() {
	c.client.Close()
}

// WriteReadout stores one readout as a single point.
func (c *InfluxClient) WriteReadout(ctx context.Context, result *types.ReadResult) error {
	point := Point(c.measurement, result)
	if point == nil {
		return nil
	}
	if err := c.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write readout of %s: %w", result.DeviceID, err)
	}
	c.logger.Debug("Readout stored",
		zap.String("device", result.DeviceID),
		zap.Int("records", len(result.Data)),
		zap.Strings("fields", FieldKeys(point)))
	return nil
}

// Point converts a readout into a point. Records flagged isTag become tags,
// every other record becomes a field named after its parameter; bit records
// are named parameter.parameter_alt. Returns nil when there is no field.
func Point(measurement string, result *types.ReadResult) *write.Point {
	tags := map[string]string{"device": result.DeviceID}
	fields := make(map[string]any)

	for _, r := range result.Data {
		key := r.Parameter
		if r.ParameterAlt != "" {
			key += "." + r.ParameterAlt
		}
		if key == "" || r.Value == nil {
			continue
		}
		if r.IsTag != nil && *r.IsTag {
			tags[key] = fmt.Sprint(r.Value)
			continue
		}
		fields[key] = r.Value
	}
	if len(fields) == 0 {
		return nil
	}

	ts := result.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(measurement, tags, fields, ts)
}

// FieldKeys lists the field keys of p in sorted order.
func FieldKeys(p *write.Point) []string {
	keys := make([]string, 0, len(p.FieldList()))
	for _, f := range p.FieldList() {
		keys = append(keys, f.Key)
	}
	sort.Strings(keys)
	return keys
}
