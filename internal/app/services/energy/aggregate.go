package energy

import (
	"sort"
	"time"

	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
)

// Aggregate groups readings into buckets ordered by period key. Weekly
// buckets are keyed by the Monday starting the week; monthly by YYYY-MM.
// Readings with an unparseable date are grouped under their raw date.
func Aggregate(readings []energy.Reading, period energy.Period) []energy.Bucket {
	type group struct {
		total   float64
		count   int
		sources map[string]float64
	}
	groups := make(map[string]*group)

	for _, r := range readings {
		key := periodKey(r.Date, period)
		g, ok := groups[key]
		if !ok {
			g = &group{sources: make(map[string]float64)}
			groups[key] = g
		}
		g.total += r.EnergyUsage
		g.count++
		g.sources[r.Source] += r.EnergyUsage
	}

	out := make([]energy.Bucket, 0, len(groups))
	for key, g := range groups {
		out = append(out, energy.Bucket{
			Period:          key,
			TotalUsage:      g.total,
			AvgUsage:        g.total / float64(g.count),
			SourceBreakdown: g.sources,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}

func periodKey(date string, period energy.Period) string {
	d, err := energy.ParseDate(date)
	if err != nil {
		return date
	}
	switch period {
	case energy.PeriodWeekly:
		offset := int(d.Weekday()) - int(time.Monday)
		if offset < 0 {
			offset += 7
		}
		return d.AddDate(0, 0, -offset).Format(energy.DateLayout)
	case energy.PeriodMonthly:
		return d.Format("2006-01")
	default:
		return date
	}
}
