package service

import (
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	providers "github.com/meterline/meterline/internal/providers/pricing"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	"github.com/shopspring/decimal"
)

// Detector diffs fetched quotes against the stored pricing table and gates
// each difference for auto-apply.
type Detector struct{}

func NewDetector() *Detector {
	return &Detector{}
}

// DetectChanges classifies every pair seen in quotes or in the stored table:
//   - quoted but not stored: new, review unless autoCreateNew
//   - both, prices differ: updated, auto-applied only when every delta's
//     magnitude is within thresholdPct (the boundary itself is auto)
//   - stored but not quoted: removed, always review
//
// Static-sourced stored rows missing from the quotes are not flagged as
// removed: no upstream ever listed them.
func (d *Detector) DetectChanges(
	quotes []providers.Quote,
	current []*pricingdomain.ModelPricing,
	thresholdPct decimal.Decimal,
	autoCreateNew bool,
) *syncdomain.ChangeSet {
	stored := make(map[string]*pricingdomain.ModelPricing, len(current))
	for _, row := range current {
		stored[pairKey(row.ProviderID, row.ModelID)] = row
	}

	set := &syncdomain.ChangeSet{}
	quoted := make(map[string]struct{}, len(quotes))

	for _, q := range quotes {
		key := pairKey(q.ProviderID, q.ModelID)
		quoted[key] = struct{}{}
		newInput := q.InputPricePer1K
		newOutput := q.OutputPricePer1K

		row, ok := stored[key]
		if !ok {
			set.New++
			set.Changes = append(set.Changes, syncdomain.Change{
				Kind:           syncdomain.ChangeKindNew,
				ModelID:        pricingdomain.NormalizeModelID(q.ModelID),
				ProviderID:     pricingdomain.NormalizeProviderID(q.ProviderID),
				NewInputPrice:  &newInput,
				NewOutputPrice: &newOutput,
				AutoApplicable: autoCreateNew,
				Source:         pricingdomain.NormalizeProviderID(q.ProviderID),
			})
			continue
		}

		if row.InputPricePer1K.Equal(newInput) && row.OutputPricePer1K.Equal(newOutput) {
			set.Unchanged++
			continue
		}

		pctInput := changePercent(row.InputPricePer1K, newInput)
		pctOutput := changePercent(row.OutputPricePer1K, newOutput)
		set.Updated++
		set.Changes = append(set.Changes, syncdomain.Change{
			Kind:                syncdomain.ChangeKindUpdated,
			ModelID:             row.ModelID,
			ProviderID:          row.ProviderID,
			OldInputPrice:       &row.InputPricePer1K,
			OldOutputPrice:      &row.OutputPricePer1K,
			NewInputPrice:       &newInput,
			NewOutputPrice:      &newOutput,
			ChangePercentInput:  pctInput,
			ChangePercentOutput: pctOutput,
			AutoApplicable:      withinThreshold(thresholdPct, pctInput, pctOutput),
			Source:              row.ProviderID,
		})
	}

	for key, row := range stored {
		if _, ok := quoted[key]; ok {
			continue
		}
		if row.Source == pricingdomain.PricingSourceStatic {
			continue
		}
		set.Removed++
		set.Changes = append(set.Changes, syncdomain.Change{
			Kind:           syncdomain.ChangeKindRemoved,
			ModelID:        row.ModelID,
			ProviderID:     row.ProviderID,
			OldInputPrice:  &row.InputPricePer1K,
			OldOutputPrice: &row.OutputPricePer1K,
			AutoApplicable: false,
			Source:         row.ProviderID,
		})
	}

	for _, change := range set.Changes {
		if change.AutoApplicable {
			set.AutoApplicable++
		} else {
			set.RequiresReview++
		}
	}
	return set
}

// withinThreshold requires every present delta's magnitude to be at or below
// the gate. A missing percentage (old price was zero) fails the gate.
func withinThreshold(thresholdPct decimal.Decimal, pcts ...*decimal.Decimal) bool {
	for _, pct := range pcts {
		if pct == nil {
			return false
		}
		if pct.Abs().GreaterThan(thresholdPct) {
			return false
		}
	}
	return true
}

func changePercent(old, new decimal.Decimal) *decimal.Decimal {
	if old.IsZero() {
		return nil
	}
	pct := new.Sub(old).Div(old).Mul(decimal.NewFromInt(100)).Round(4)
	return &pct
}

func pairKey(providerID, modelID string) string {
	return pricingdomain.NormalizeProviderID(providerID) + "/" + pricingdomain.NormalizeModelID(modelID)
}
