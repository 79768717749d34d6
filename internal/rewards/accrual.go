// Package rewards implements the point and streak bookkeeping applied once
// per completed chat interaction. Accrue is a pure function of the user's
// current profile snapshot, today's UTC calendar date, and the boost flag:
// it computes the points earned, the updated consecutive-day streak, the net
// point delta, and (when the balance changes) a draft ledger entry to persist.
//
// The package performs no I/O. Persisting the resulting profile fields and
// ledger entry is the caller's responsibility (see services.TurnService).
//
// Rules:
//   - Every message earns a base credit of 1 point.
//   - The first message on a day exactly one calendar day after the last one
//     extends the streak and earns a +5 bonus.
//   - The first message after a longer gap (or ever) resets the streak to 1.
//   - Repeat messages on the same day leave the streak untouched.
//   - A boost spends 10 points and requires a balance of at least 10 before
//     the interaction; the resulting balance may still go negative on
//     non-streak days (10 available − 10 spent + 1 earned is fine, but the
//     procedure never enforces a floor after the initial check).
//
// Day boundaries are compared as UTC calendar dates, not elapsed wall-clock
// time, so a streak survives daylight-saving transitions and messages sent
// at different times of day.
package rewards

import (
	"errors"
	"fmt"
	"time"
)

// Point values applied by Accrue.
const (
	// BaseCredit is earned by every completed interaction.
	BaseCredit = 1
	// StreakBonus is added when the consecutive-day streak extends.
	StreakBonus = 5
	// BoostCost is spent when the boost flag is set.
	BoostCost = 10
)

// Kind labels a ledger entry with the reason for the balance change.
type Kind string

// Ledger entry kinds. A boosted interaction is always recorded as KindBoost,
// regardless of the net sign of the delta.
const (
	KindMessage Kind = "message"
	KindStreak  Kind = "streak"
	KindBoost   Kind = "boost"
)

// ErrInsufficientPoints is returned when a boost is requested with a balance
// below BoostCost. No state may be mutated on this path: the caller must
// reject the interaction before the LLM call and all persistence.
var ErrInsufficientPoints = errors.New("insufficient points for boost")

// Snapshot is the profile state read before the interaction.
type Snapshot struct {
	// RewardPoints is the current balance. It may be negative.
	RewardPoints int
	// DailyStreak is the current consecutive-day streak (>= 0).
	DailyStreak int
	// LastMessageDate is the calendar date of the previous interaction,
	// or nil for a user who has never sent a message.
	LastMessageDate *time.Time
	// TotalMessages counts completed interactions so far.
	TotalMessages int
}

// LedgerDraft describes the reward transaction to persist for this
// interaction. It is only produced when the net delta is non-zero.
type LedgerDraft struct {
	// Delta is the signed balance change (earned minus spent).
	Delta int
	// Kind is the reason code for the change.
	Kind Kind
	// Description is a human-readable summary; for KindStreak it includes
	// the new streak length.
	Description string
}

// Accrual is the fully-determined outcome of one interaction: the new
// profile field values plus at most one ledger entry.
type Accrual struct {
	PointsEarned int
	PointsSpent  int // 0 or BoostCost
	NetDelta     int

	// New profile state.
	NewStreak       int
	NewPoints       int
	TotalMessages   int
	LastMessageDate time.Time // today's UTC date

	// Ledger is nil when the balance did not change.
	Ledger *LedgerDraft
}

// DateOnly truncates t to its UTC calendar date (midnight UTC).
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween returns the number of whole calendar days from a to b.
// Both arguments are truncated to their UTC dates first, so the result is
// exact regardless of the time of day either timestamp carries.
func daysBetween(a, b time.Time) int {
	return int(DateOnly(b).Sub(DateOnly(a)) / (24 * time.Hour))
}

// Accrue computes the reward outcome for one chat interaction. It is
// deterministic given its three inputs and has no side effects.
//
// When boost is set and the balance is below BoostCost it fails with
// ErrInsufficientPoints before computing anything else.
func Accrue(s Snapshot, today time.Time, boost bool) (Accrual, error) {
	if boost && s.RewardPoints < BoostCost {
		return Accrual{}, ErrInsufficientPoints
	}

	day := DateOnly(today)
	earned := BaseCredit
	streak := s.DailyStreak

	isNewDay := s.LastMessageDate == nil || !DateOnly(*s.LastMessageDate).Equal(day)
	if isNewDay {
		if s.LastMessageDate != nil && daysBetween(*s.LastMessageDate, day) == 1 {
			streak++
			earned += StreakBonus
		} else {
			// First-ever message, or the streak broke.
			streak = 1
		}
	}

	spent := 0
	if boost {
		spent = BoostCost
	}
	net := earned - spent

	acc := Accrual{
		PointsEarned:    earned,
		PointsSpent:     spent,
		NetDelta:        net,
		NewStreak:       streak,
		NewPoints:       s.RewardPoints + net,
		TotalMessages:   s.TotalMessages + 1,
		LastMessageDate: day,
	}

	if net != 0 {
		acc.Ledger = &LedgerDraft{Delta: net, Kind: KindMessage, Description: "Message sent"}
		switch {
		case boost:
			acc.Ledger.Kind = KindBoost
			acc.Ledger.Description = "Boosted response"
		case earned > BaseCredit:
			acc.Ledger.Kind = KindStreak
			acc.Ledger.Description = fmt.Sprintf("Daily streak: %d days", streak)
		}
	}

	return acc, nil
}
