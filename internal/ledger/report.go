package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

type ProductSales struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Count       int             `json:"count"`
	Revenue     decimal.Decimal `json:"revenue"`
}

type Summary struct {
	Count   int             `json:"count"`
	Total   decimal.Decimal `json:"total"`
	Ranking []ProductSales  `json:"ranking"`
}

// Aggregate computes sale count, total amount, and per-product counts ranked
// descending by count. Ties keep the order in which a product id was first
// encountered in the input.
func Aggregate(entries []Entry) Summary {
	sum := Summary{Total: decimal.Zero}

	byProduct := make(map[string]int)

	for _, e := range entries {
		sum.Count++
		sum.Total = sum.Total.Add(e.Amount)

		i, seen := byProduct[e.ProductID]
		if !seen {
			i = len(sum.Ranking)
			byProduct[e.ProductID] = i
			sum.Ranking = append(sum.Ranking, ProductSales{
				ProductID:   e.ProductID,
				ProductName: e.ProductName,
				Revenue:     decimal.Zero,
			})
		}
		sum.Ranking[i].Count++
		sum.Ranking[i].Revenue = sum.Ranking[i].Revenue.Add(e.Amount)
	}

	sort.SliceStable(sum.Ranking, func(i, j int) bool {
		return sum.Ranking[i].Count > sum.Ranking[j].Count
	})
	return sum
}

// Report is the periodic performance view built from a Summary.
type Report struct {
	Days         int             `json:"days"`
	Sales        int             `json:"sales"`
	Revenue      decimal.Decimal `json:"revenue"`
	DailySales   decimal.Decimal `json:"daily_sales"`
	DailyRevenue decimal.Decimal `json:"daily_revenue"`
	Top          []ProductSales  `json:"top"`
}

// BuildReport derives the daily averages and the top-N best sellers for a
// window of the given number of days.
func BuildReport(sum Summary, days, topN int) Report {
	if days < 1 {
		days = 1
	}
	d := decimal.NewFromInt(int64(days))

	top := sum.Ranking
	if len(top) > topN {
		top = top[:topN]
	}

	return Report{
		Days:         days,
		Sales:        sum.Count,
		Revenue:      sum.Total,
		DailySales:   decimal.NewFromInt(int64(sum.Count)).DivRound(d, 2),
		DailyRevenue: sum.Total.DivRound(d, 2),
		Top:          top,
	}
}
