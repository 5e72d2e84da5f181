package collector

import (
	"math"
	"math/rand"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/reddit"
)

// Strategy is one planned listing call. The planner spreads strategies
// across sorts, time filters, time windows and offsets to maximize unique
// yield per run.
type Strategy struct {
	SubSource  string
	Sort       reddit.Sort
	TimeFilter reddit.TimeFilter
	Limit      int
	BeforeUnix int64
	AfterUnix  int64
	Offset     int
}

var allSorts = []reddit.Sort{
	reddit.SortHot, reddit.SortNew, reddit.SortTop, reddit.SortRising, reddit.SortControversial,
}

var allTimeFilters = []reddit.TimeFilter{
	reddit.TimeHour, reddit.TimeDay, reddit.TimeWeek, reddit.TimeMonth, reddit.TimeYear, reddit.TimeAll,
}

var deepOffsets = []int{50, 100, 200, 400, 600}

// Planner builds diversified sampling plans.
type Planner struct {
	rng *rand.Rand
	now func() time.Time
}

// NewPlanner creates a Planner seeded from seed. Plans are deterministic
// for a fixed seed, which the tests rely on.
func NewPlanner(seed int64) *Planner {
	return &Planner{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

// Plan emits a shuffled strategy list for the given subSources targeting
// roughly targetCount posts overall.
func (pl *Planner) Plan(subSources []string, targetCount int) []Strategy {
	if len(subSources) == 0 || targetCount <= 0 {
		return nil
	}

	perSub := targetCount / len(subSources)
	if perSub < 1 {
		perSub = 1
	}

	var out []Strategy
	for _, sub := range subSources {
		out = append(out, pl.planSubSource(sub, perSub)...)
	}

	// Shuffle so consecutive calls spread across subsources and sorts,
	// which in turn spreads load across credentials.
	pl.rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

func (pl *Planner) planSubSource(sub string, perSub int) []Strategy {
	var out []Strategy

	baseLimit := int(math.Ceil(float64(perSub) / float64(len(allSorts))))
	if baseLimit > reddit.MaxLimit {
		baseLimit = reddit.MaxLimit
	}

	// One strategy per sort method.
	for _, sort := range allSorts {
		s := Strategy{SubSource: sub, Sort: sort, Limit: baseLimit}
		if sort == reddit.SortTop || sort == reddit.SortControversial {
			s.TimeFilter = reddit.TimeDay
		}
		out = append(out, s)
	}

	// Extra random time filters for the time-scoped sorts.
	for _, sort := range []reddit.Sort{reddit.SortTop, reddit.SortControversial} {
		for i := 0; i < 3; i++ {
			out = append(out, Strategy{
				SubSource:  sub,
				Sort:       sort,
				TimeFilter: allTimeFilters[pl.rng.Intn(len(allTimeFilters))],
				Limit:      baseLimit,
			})
		}
	}

	// Extra shallow passes over the fast-moving sorts.
	for _, sort := range []reddit.Sort{reddit.SortNew, reddit.SortHot, reddit.SortRising} {
		for i := 0; i < 2; i++ {
			out = append(out, Strategy{SubSource: sub, Sort: sort, Limit: 25})
		}
	}

	// Five random two-day windows within the last 30 days, walked as new.
	now := pl.now().Unix()
	const day = int64(24 * 3600)
	for i := 0; i < 5; i++ {
		start := now - int64(pl.rng.Intn(28)+2)*day
		out = append(out, Strategy{
			SubSource:  sub,
			Sort:       reddit.SortNew,
			Limit:      reddit.MaxLimit,
			AfterUnix:  start,
			BeforeUnix: start + 2*day,
		})
	}

	// Deep offsets into hot and rising.
	for _, sort := range []reddit.Sort{reddit.SortHot, reddit.SortRising} {
		out = append(out, Strategy{
			SubSource: sub,
			Sort:      sort,
			Limit:     reddit.MaxLimit,
			Offset:    deepOffsets[pl.rng.Intn(len(deepOffsets))] + pl.rng.Intn(50),
		})
	}

	return out
}
