package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/151300/FreeNodes/internal/config"
	"github.com/151300/FreeNodes/internal/launcher"
)

const natsReporterName = "nats"

// natsConn is the subset of *nats.Conn used for publishing. Defining an
// interface here allows test doubles to be injected without a live server.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSReporter publishes every finished launch as JSON on a NATS subject.
type NATSReporter struct {
	url     string
	subject string
	cb      *gobreaker.CircuitBreaker
	connect func(url string) (natsConn, error)
}

// NewNATSReporter constructs a NATSReporter. No connection is made at
// construction time; each report opens and closes its own connection.
func NewNATSReporter(cfg config.NATSConfig, cb *gobreaker.CircuitBreaker) *NATSReporter {
	return &NATSReporter{
		url:     cfg.URL,
		subject: cfg.Subject,
		cb:      cb,
		connect: realNATSConnect,
	}
}

// Name identifies the reporter in logs and health output.
func (c *NATSReporter) Name() string { return natsReporterName }

// Report publishes result and waits for the server to acknowledge the flush.
func (c *NATSReporter) Report(ctx context.Context, result *launcher.LaunchResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding launch result: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		nc, err := c.connect(c.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()

		if err := nc.Publish(c.subject, payload); err != nil {
			return nil, fmt.Errorf("publishing to %s: %w", c.subject, err)
		}
		if err := nc.FlushWithContext(ctx); err != nil {
			return nil, fmt.Errorf("flushing %s: %w", c.subject, err)
		}
		return nil, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return fmt.Errorf("circuit open: %w", err)
		}
		return err
	}
	return nil
}

// Probe verifies NATS connectivity.
func (c *NATSReporter) Probe(ctx context.Context) launcher.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		nc, err := c.connect(c.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
		return nil, nc.FlushWithContext(ctx)
	})

	return probeResult(natsReporterName, start, err)
}

// realNATSConnect opens a real NATS connection.
func realNATSConnect(url string) (natsConn, error) {
	nc, err := nats.Connect(url, nats.Name("freenodes-launcher"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// probeResult converts a breaker-wrapped check into a ProbeResult.
func probeResult(name string, start time.Time, err error) launcher.ProbeResult {
	latency := time.Since(start).Milliseconds()
	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return launcher.ProbeResult{Name: name, OK: false, LatencyMs: latency, Error: errMsg}
	}
	return launcher.ProbeResult{Name: name, OK: true, LatencyMs: latency}
}
