package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProbeResult describes what a reachable broker reported for the topic.
type ProbeResult struct {
	Broker     string
	Partitions int
	Leaders    int
}

// Probe dials the configured brokers in order and checks that the mirror
// topic is visible from the first one that answers.
func Probe(ctx context.Context, cfg Config, timeout time.Duration) (ProbeResult, error) {
	if !cfg.Enabled() {
		return ProbeResult{}, errors.New("mirror: brokers and topic are required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := &kafka.Dialer{Timeout: timeout}
	var lastErr error
	for _, broker := range cfg.brokerList() {
		res, err := probeBroker(ctx, dialer, broker, cfg.Topic, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return ProbeResult{}, lastErr
}

func probeBroker(ctx context.Context, dialer *kafka.Dialer, broker, topic string, timeout time.Duration) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", broker)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("dial %s: %w", broker, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("describe topic %s on %s: %w", topic, broker, err)
	}
	res := ProbeResult{Broker: broker}
	for _, p := range parts {
		if p.Topic != topic {
			continue
		}
		res.Partitions++
		if p.Leader.Host != "" {
			res.Leaders++
		}
	}
	if res.Partitions == 0 {
		return ProbeResult{}, fmt.Errorf("topic %s not found on %s", topic, broker)
	}
	return res, nil
}
