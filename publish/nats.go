// Package publish mirrors vehicle snapshots onto NATS for consumers
// that don't speak HTTP.
package publish

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"zagmap.dev/transit"
	"zagmap.dev/transit/model"
)

// PublisherMetrics counts publish outcomes.
type PublisherMetrics interface {
	PublishedInc()
	PublishErrInc()
}

// NATSPublisher republishes every snapshot as JSON: the full snapshot
// on <prefix>.all, plus the tram and bus subsets on <prefix>.tram and
// <prefix>.bus. It implements transit.SnapshotSink.
type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	logger  *zap.Logger
	metrics PublisherMetrics
}

func NewNATSPublisher(url, subjectPrefix string, logger *zap.Logger, m PublisherMetrics) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(url,
		nats.Name("transit-vehicle-mirror"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return &NATSPublisher{
		nc:      nc,
		prefix:  subjectToken(subjectPrefix),
		logger:  logger,
		metrics: m,
	}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Publish mirrors the snapshot. Errors are logged and counted, never
// propagated; a broken mirror must not affect the poll loop.
func (p *NATSPublisher) Publish(snapshot *transit.Snapshot) {
	p.publish("all", snapshot.Updated, snapshot.Vehicles)
	p.publish("tram", snapshot.Updated, filterType(snapshot.Vehicles, model.VehicleTypeTram))
	p.publish("bus", snapshot.Updated, filterType(snapshot.Vehicles, model.VehicleTypeBus))
}

func (p *NATSPublisher) publish(kind string, updated *int64, vehicles []model.VehiclePosition) {
	subject := fmt.Sprintf("%s.%s", p.prefix, kind)

	b, err := json.Marshal(transit.Snapshot{Updated: updated, Vehicles: vehicles})
	if err != nil {
		p.logger.Warn("marshaling snapshot", zap.Error(err))
		p.errInc()
		return
	}

	if err := p.nc.Publish(subject, b); err != nil {
		p.logger.Warn("nats publish failed", zap.String("subject", subject), zap.Error(err))
		p.errInc()
		return
	}

	if p.metrics != nil {
		p.metrics.PublishedInc()
	}
}

func (p *NATSPublisher) errInc() {
	if p.metrics != nil {
		p.metrics.PublishErrInc()
	}
}

func filterType(vehicles []model.VehiclePosition, t model.VehicleType) []model.VehiclePosition {
	out := []model.VehiclePosition{}
	for _, v := range vehicles {
		if v.Type == t {
			out = append(out, v)
		}
	}
	return out
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		s = "transit"
	}
	return s
}
