package domain

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ─── Referral Types ─────────────────────────────────────────────────────────
// Referral records are used only for aggregate counting on the leaderboard.
// They carry no volume.

// ReferralStatus tracks how far a referred contact progressed.
type ReferralStatus string

const (
	ReferralPending     ReferralStatus = "pending"
	ReferralClicked     ReferralStatus = "clicked"
	ReferralCustomer    ReferralStatus = "customer"
	ReferralDistributor ReferralStatus = "distributor"
)

// Valid reports whether s is a known referral status.
func (s ReferralStatus) Valid() bool {
	switch s {
	case ReferralPending, ReferralClicked, ReferralCustomer, ReferralDistributor:
		return true
	}
	return false
}

// ReferralRecord is a single referral made by a distributor.
type ReferralRecord struct {
	ID              string         `json:"id"`
	ReferrerCode    string         `json:"referrer_code"`
	ReferredContact string         `json:"referred_contact"`
	Status          ReferralStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ReferrerStats is the per-referrer aggregate the leaderboard ranks.
type ReferrerStats struct {
	ReferrerCode string `json:"referrer_code"`
	Name         string `json:"-"`
	Referrals    int64  `json:"referrals"`
	Customers    int64  `json:"customers"`
	Distributors int64  `json:"distributors"`
}

// ─── Leaderboard Types ──────────────────────────────────────────────────────

// Timeframe selects the window of referral records that are counted.
type Timeframe string

const (
	TimeframeAll   Timeframe = "all"
	TimeframeYear  Timeframe = "year"
	TimeframeMonth Timeframe = "month"
	TimeframeWeek  Timeframe = "week"
	TimeframeDay   Timeframe = "day"
)

// Since returns the lower bound of the window ending at now.
// TimeframeAll returns the zero time.
func (t Timeframe) Since(now time.Time) (time.Time, bool) {
	switch t {
	case TimeframeAll, "":
		return time.Time{}, true
	case TimeframeYear:
		return now.AddDate(-1, 0, 0), true
	case TimeframeMonth:
		return now.AddDate(0, -1, 0), true
	case TimeframeWeek:
		return now.AddDate(0, 0, -7), true
	case TimeframeDay:
		return now.Add(-24 * time.Hour), true
	}
	return time.Time{}, false
}

// ReferralTier is derived from the raw referral count.
type ReferralTier string

const (
	TierStarter  ReferralTier = "Starter"
	TierBronze   ReferralTier = "Bronze"
	TierSilver   ReferralTier = "Silver"
	TierGold     ReferralTier = "Gold"
	TierPlatinum ReferralTier = "Platinum"
	TierDiamond  ReferralTier = "Diamond"
)

// TierForReferrals maps a referral count onto the fixed tier ladder.
func TierForReferrals(n int64) ReferralTier {
	switch {
	case n >= 100:
		return TierDiamond
	case n >= 50:
		return TierPlatinum
	case n >= 25:
		return TierGold
	case n >= 10:
		return TierSilver
	case n >= 5:
		return TierBronze
	default:
		return TierStarter
	}
}

// LeaderboardPoints is the weighted display score:
// referrals×10 + customers×50 + distributors×100.
// It is not the sort key.
func LeaderboardPoints(referrals, customers, distributors int64) int64 {
	return referrals*10 + customers*50 + distributors*100
}

// LeaderboardEntry represents a referrer's position on the leaderboard.
type LeaderboardEntry struct {
	Position       int          `json:"position"`
	AnonymizedName string       `json:"name"`
	Referrals      int64        `json:"referrals"`
	Customers      int64        `json:"customers"`
	Distributors   int64        `json:"distributors"`
	Points         int64        `json:"points"`
	Tier           ReferralTier `json:"tier"`
}

// RedactName hides a display name for public leaderboards.
// One word keeps its first two characters followed by "***";
// several words become "F. L." from the first and last word.
func RedactName(name string) string {
	words := strings.Fields(name)
	switch len(words) {
	case 0:
		return "Anonymous"
	case 1:
		w := words[0]
		if utf8.RuneCountInString(w) <= 2 {
			return w + "***"
		}
		runes := []rune(w)
		return string(runes[:2]) + "***"
	}
	return initial(words[0]) + ". " + initial(words[len(words)-1]) + "."
}

func initial(word string) string {
	r, _ := utf8.DecodeRuneInString(word)
	return string(unicode.ToUpper(r))
}
