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
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/storage/badger"
	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Outcome is the result of one RecordMessage call.
type Outcome string

const (
	// OutcomeCredited means the reward was applied.
	OutcomeCredited Outcome = "credited"

	// OutcomeNoAccount means the user has no ledger document.
	OutcomeNoAccount Outcome = "no_account"

	// OutcomeCapReached means today's count is already at the cap.
	OutcomeCapReached Outcome = "cap_reached"

	// OutcomeSkipped means the message does not qualify.
	OutcomeSkipped Outcome = "skipped"
)

// Result describes what RecordMessage did.
type Result struct {
	Outcome Outcome

	// Credited is the amount added to the user's balance.
	Credited float64

	// ReferrerID and ReferralCredited describe the referral credit, if any.
	ReferrerID       string
	ReferralCredited float64

	// TodayCount is the user's daily count after the transaction.
	TodayCount int
}

// Qualifies reports whether msg earns a reward: it must carry content, must
// not be self-originated and must not be a protocol stub.
func Qualifies(msg *protocol.Message) bool {
	if msg == nil || msg.FromSelf || msg.Stub {
		return false
	}
	return strings.TrimSpace(msg.Body) != ""
}

// RecordMessage credits userID for msg.
//
// # Description
//
// Runs one read-modify-write transaction:
//
//  1. No account document: no-op (OutcomeNoAccount).
//  2. WhatsappLastCountDate differs from today: the daily count is treated
//     as zero.
//  3. Daily count at the cap: no-op (OutcomeCapReached). Nothing is written.
//  4. Otherwise balance += Reward, both counts += 1, date = today, and the
//     referrer (when its document exists) gets Reward × ReferralRate.
//
// A corrupt referrer document fails the whole transaction, so the primary
// credit is rolled back with it.
//
// # Inputs
//
//   - ctx: Cancellation.
//   - userID: Owner of the session that received msg.
//   - msg: The inbound message. Non-qualifying messages return
//     OutcomeSkipped without touching the store.
//
// # Outputs
//
//   - Result: What was applied.
//   - error: Store or decode failure. The transaction was not committed.
//
// # Thread Safety
//
// Safe for concurrent use.
func (l *Ledger) RecordMessage(ctx context.Context, userID string, msg *protocol.Message) (Result, error) {
	if !Qualifies(msg) {
		l.meters.recordOutcome(ctx, OutcomeSkipped)
		return Result{Outcome: OutcomeSkipped}, nil
	}

	ctx, span := l.meters.tracer.Start(ctx, "Ledger.RecordMessage")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.user_id", userID))

	start := time.Now()
	today := l.Today()

	var res Result
	err := l.db.Update(ctx, func(txn *dgbadger.Txn) error {
		res = Result{}
		return l.apply(txn, userID, today, &res)
	})
	l.meters.recordDuration(ctx, time.Since(start), err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction failed")
		return Result{}, fmt.Errorf("record message for %s: %w", userID, err)
	}

	span.SetAttributes(
		attribute.String("ledger.outcome", string(res.Outcome)),
		attribute.Int("ledger.today_count", res.TodayCount),
	)
	l.meters.recordOutcome(ctx, res.Outcome)
	if res.Outcome == OutcomeCredited {
		l.meters.recordCredit(ctx, res.Credited, res.ReferralCredited)
	}
	if res.Outcome == OutcomeCapReached {
		l.logger.Debug("daily cap reached", "user_id", userID, "cap", l.cfg.DailyCap)
	}
	return res, nil
}

func (l *Ledger) apply(txn *dgbadger.Txn, userID, today string, res *Result) error {
	raw, ok, err := badger.Get(txn, accountKey(userID))
	if err != nil {
		return err
	}
	if !ok {
		res.Outcome = OutcomeNoAccount
		return nil
	}
	acct, err := decodeAccount(raw)
	if err != nil {
		return fmt.Errorf("account %s: %w", userID, err)
	}
	if acct.UserID == "" {
		acct.UserID = userID
	}

	count := acct.WhatsappTodayCount
	if acct.WhatsappLastCountDate != today {
		count = 0
	}
	if count >= l.cfg.DailyCap {
		res.Outcome = OutcomeCapReached
		res.TodayCount = count
		return nil
	}

	acct.Balance = round6(acct.Balance + l.cfg.Reward)
	acct.WhatsappMessageCount++
	acct.WhatsappTodayCount = count + 1
	acct.WhatsappLastCountDate = today
	if err := putAccount(txn, acct); err != nil {
		return err
	}

	res.Outcome = OutcomeCredited
	res.Credited = l.cfg.Reward
	res.TodayCount = acct.WhatsappTodayCount

	if acct.ReferrerID == "" || acct.ReferrerID == userID || l.cfg.ReferralRate == 0 {
		return nil
	}
	refRaw, ok, err := badger.Get(txn, accountKey(acct.ReferrerID))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	referrer, err := decodeAccount(refRaw)
	if err != nil {
		return fmt.Errorf("referrer %s: %w", acct.ReferrerID, err)
	}
	if referrer.UserID == "" {
		referrer.UserID = acct.ReferrerID
	}
	bonus := round6(l.cfg.Reward * l.cfg.ReferralRate)
	referrer.Balance = round6(referrer.Balance + bonus)
	if err := putAccount(txn, referrer); err != nil {
		return err
	}

	res.ReferrerID = acct.ReferrerID
	res.ReferralCredited = bonus
	return nil
}
