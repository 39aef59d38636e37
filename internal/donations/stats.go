package donations

import (
	"sort"
	"time"

	"golang.org/x/text/currency"
)

// Tier ranks a donor by lifetime completed giving in major units.
type Tier string

// Donor tiers.
const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// TierFor maps a major-unit total to its tier.
func TierFor(major float64) Tier {
	switch {
	case major >= 1000:
		return TierPlatinum
	case major >= 500:
		return TierGold
	case major >= 100:
		return TierSilver
	default:
		return TierBronze
	}
}

// MonthBucket is the completed total of one calendar month.
type MonthBucket struct {
	Month string `json:"month"`
	Total int64  `json:"total"`
	Count int    `json:"count"`
}

// DonorTotal is one donor's lifetime giving.
type DonorTotal struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Total int64  `json:"total"`
	Count int    `json:"count"`
	Tier  Tier   `json:"tier"`
}

// Stats summarises completed donations in one currency. Amounts are minor
// units.
type Stats struct {
	Currency    string        `json:"currency"`
	Total       int64         `json:"total"`
	ThisMonth   int64         `json:"this_month"`
	ThisYear    int64         `json:"this_year"`
	Count       int           `json:"count"`
	Average     int64         `json:"average"`
	Months      []MonthBucket `json:"months"`
	Donors      []DonorTotal  `json:"donors"`
	TierCounts  map[Tier]int  `json:"tier_counts"`
	GeneratedAt time.Time     `json:"generated_at"`
}

const monthsShown = 12

// Aggregate computes Stats for the donations in code. Donations in other
// currencies and those not completed are ignored.
func Aggregate(list []Donation, code string, now time.Time) Stats {
	now = now.UTC()
	stats := Stats{
		Currency:    code,
		Months:      monthWindow(now),
		TierCounts:  map[Tier]int{TierBronze: 0, TierSilver: 0, TierGold: 0, TierPlatinum: 0},
		GeneratedAt: now,
	}
	index := make(map[string]int, len(stats.Months))
	for i, b := range stats.Months {
		index[b.Month] = i
	}
	donors := make(map[string]*DonorTotal)

	for _, d := range list {
		if d.Status != StatusCompleted || d.Currency != code || d.AmountMinor <= 0 {
			continue
		}
		at := d.CreatedAt
		if d.CompletedAt != nil {
			at = *d.CompletedAt
		}
		at = at.UTC()
		stats.Total += d.AmountMinor
		stats.Count++
		if at.Year() == now.Year() {
			stats.ThisYear += d.AmountMinor
			if at.Month() == now.Month() {
				stats.ThisMonth += d.AmountMinor
			}
		}
		if i, ok := index[at.Format("2006-01")]; ok {
			stats.Months[i].Total += d.AmountMinor
			stats.Months[i].Count++
		}
		key := d.DonorKey()
		if key == "" {
			continue
		}
		dt, ok := donors[key]
		if !ok {
			dt = &DonorTotal{Key: key, Name: d.DonorName}
			donors[key] = dt
		}
		dt.Total += d.AmountMinor
		dt.Count++
	}
	if stats.Count > 0 {
		stats.Average = stats.Total / int64(stats.Count)
	}

	factor := minorFactor(code)
	stats.Donors = make([]DonorTotal, 0, len(donors))
	for _, dt := range donors {
		dt.Tier = TierFor(float64(dt.Total) / factor)
		stats.TierCounts[dt.Tier]++
		stats.Donors = append(stats.Donors, *dt)
	}
	sort.Slice(stats.Donors, func(i, j int) bool {
		if stats.Donors[i].Total != stats.Donors[j].Total {
			return stats.Donors[i].Total > stats.Donors[j].Total
		}
		return stats.Donors[i].Key < stats.Donors[j].Key
	})
	return stats
}

// monthWindow returns empty buckets for the twelve months ending at now.
func monthWindow(now time.Time) []MonthBucket {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	out := make([]MonthBucket, monthsShown)
	for i := 0; i < monthsShown; i++ {
		out[i].Month = first.AddDate(0, i-monthsShown+1, 0).Format("2006-01")
	}
	return out
}

// minorFactor returns how many minor units make one major unit.
func minorFactor(code string) float64 {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 100
	}
	scale, _ := currency.Standard.Rounding(unit)
	factor := 1.0
	for i := 0; i < scale; i++ {
		factor *= 10
	}
	return factor
}

// ValidCurrency reports whether code is a known ISO 4217 currency.
func ValidCurrency(code string) bool {
	_, err := currency.ParseISO(code)
	return err == nil && len(code) == 3
}
