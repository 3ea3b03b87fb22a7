// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "aleutian.relay.ledger"

// meters holds the ledger's OpenTelemetry instruments.
type meters struct {
	tracer trace.Tracer

	txnDuration  metric.Float64Histogram
	outcomes     metric.Int64Counter
	rewardAmount metric.Float64Counter
}

func newMeters(provider metric.MeterProvider) (*meters, error) {
	meter := provider.Meter(instrumentationName)
	m := &meters{tracer: otel.Tracer(instrumentationName)}

	var err error
	m.txnDuration, err = meter.Float64Histogram(
		"ledger_transaction_duration_seconds",
		metric.WithDescription("Duration of reward ledger transactions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger meter: %w", err)
	}

	m.outcomes, err = meter.Int64Counter(
		"ledger_messages_total",
		metric.WithDescription("Inbound messages seen by the ledger, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger meter: %w", err)
	}

	m.rewardAmount, err = meter.Float64Counter(
		"ledger_reward_amount_total",
		metric.WithDescription("Reward credited, split by primary and referral"),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger meter: %w", err)
	}
	return m, nil
}

func (m *meters) recordDuration(ctx context.Context, d time.Duration, success bool) {
	m.txnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *meters) recordOutcome(ctx context.Context, outcome Outcome) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *meters) recordCredit(ctx context.Context, primary, referral float64) {
	m.rewardAmount.Add(ctx, primary, metric.WithAttributes(attribute.String("kind", "primary")))
	if referral > 0 {
		m.rewardAmount.Add(ctx, referral, metric.WithAttributes(attribute.String("kind", "referral")))
	}
}
