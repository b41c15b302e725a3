package domain

import (
	"fmt"
	"time"
)

// ─── Commission Ledger Types ────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// The ledger is append-only; entries are never updated or removed.

// CommissionType is the business reason a ledger entry was paid.
type CommissionType string

const (
	CommissionFastStart  CommissionType = "fast_start"
	CommissionBinary     CommissionType = "binary"
	CommissionUnilevelL1 CommissionType = "unilevel_l1"
	CommissionUnilevelL2 CommissionType = "unilevel_l2"
)

// CommissionLedgerEntry is a single row in the commission ledger.
type CommissionLedgerEntry struct {
	ID            string         `json:"id"`
	SourceSaleID  string         `json:"source_sale_id"`
	BeneficiaryID string         `json:"beneficiary_id"`
	Type          CommissionType `json:"type"`
	Amount        int64          `json:"amount"` // minor units
	ComputedAt    time.Time      `json:"computed_at"`
}

// IdempotencyKey identifies an entry across recomputations of the same sale.
func (e CommissionLedgerEntry) IdempotencyKey() string {
	return LedgerKey(e.SourceSaleID, e.Type, e.BeneficiaryID)
}

// LedgerKey builds the sourceSaleId:type:beneficiaryId idempotency key.
func LedgerKey(saleID string, typ CommissionType, beneficiaryID string) string {
	return fmt.Sprintf("%s:%s:%s", saleID, typ, beneficiaryID)
}

// PayoutDay is the UTC calendar day a payout counts against for daily caps.
func PayoutDay(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// BasisPoints applies a rate in basis points to a minor-unit amount,
// truncating toward zero.
func BasisPoints(amount int64, bps int64) int64 {
	return amount * bps / 10_000
}
