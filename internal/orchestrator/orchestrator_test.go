package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"testing"

	"fedreg/adapters/cache"
	"fedreg/domain/core"
	"fedreg/domain/regression"
	"fedreg/internal/config"
	"fedreg/internal/local"
	"fedreg/internal/remote"
	"fedreg/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Protocol.Workers = 4
	cfg.Artifacts.Enabled = false
	return cfg
}

func newRig(t *testing.T, cfg *config.Config) (*Orchestrator, *cache.MemoryStore) {
	t.Helper()
	store := cache.NewMemoryStore()
	coord, err := remote.NewCoordinator(cfg, store, nil, nil, nil)
	require.NoError(t, err)
	return New(local.NewWorker(cfg, nil, nil, nil), coord, nil), store
}

func cohortSites(c *testkit.Cohort, lambda float64) []Site {
	var sites []Site
	for _, id := range c.Config.Sites {
		sites = append(sites, Site{ID: id, Spec: c.SiteSpec(id, lambda)})
	}
	return sites
}

func column(y *mat.Dense, j int) []float64 {
	return mat.Col(nil, j, y)
}

func assertClose(t *testing.T, want, got []float64, tol float64, msg string) {
	t.Helper()
	require.Len(t, got, len(want), msg)
	for j := range want {
		assert.LessOrEqual(t, testkit.RelativeDiff(got[j], want[j]), tol, "%s[%d]: got %g want %g", msg, j, got[j], want[j])
	}
}

func TestRun_MatchesPooledFit(t *testing.T) {
	cohort := testkit.GenerateCohort(testkit.DefaultCohortConfig())
	o, store := newRig(t, testConfig())

	res, err := o.Run(context.Background(), cohortSites(cohort, 0), regression.State{RunID: "pooled"})
	require.NoError(t, err)

	assert.Equal(t, cohort.PooledLabels(), res.Final.XLabels)
	assert.Equal(t, []string{"F", "M"}, res.Round0.CovarKeys["sex"])
	assert.Equal(t, []string{"site_local1", "site_local2"}, res.Round0.SiteCovarList)
	assert.Empty(t, res.Final.FailedColumns)
	require.Len(t, res.Final.GlobalStats, cohort.Config.Responses)
	assert.Equal(t, 1, store.Len())

	x, y := cohort.Pooled()
	for i, stats := range res.Final.GlobalStats {
		ref, err := testkit.FitReference(x, column(y, i))
		require.NoError(t, err)

		assertClose(t, ref.Beta, stats.Beta, 1e-8, stats.Label+" beta")
		assertClose(t, ref.T, stats.TValues, 1e-8, stats.Label+" t")
		assertClose(t, ref.P, stats.PValues, 1e-8, stats.Label+" p")
		assertClose(t, ref.SE, stats.SE, 1e-8, stats.Label+" se")
		assert.InDelta(t, ref.RSquared, stats.RSquared, 1e-8)
		assert.Equal(t, ref.DOF, stats.DOF)
	}

	require.Len(t, res.Final.LocalStats, 3)
	for _, site := range cohort.Config.Sites {
		assert.Len(t, res.Final.LocalStats[site], cohort.Config.Responses, site)
	}
}

func TestRun_SingleSiteEqualsLocalFit(t *testing.T) {
	cfg := testkit.DefaultCohortConfig()
	cfg.Sites = []string{"solo"}
	cfg.SiteEffects = nil
	cohort := testkit.GenerateCohort(cfg)
	o, _ := newRig(t, testConfig())

	res, err := o.Run(context.Background(), cohortSites(cohort, 0), regression.State{})
	require.NoError(t, err)

	assert.Empty(t, res.Round0.SiteCovarList)
	assert.Equal(t, []string{"const", "age", "sex_M"}, res.Final.XLabels)

	fits := res.Final.LocalStats["solo"]
	require.Len(t, fits, cfg.Responses)
	for i, stats := range res.Final.GlobalStats {
		assertClose(t, fits[i].Beta, stats.Beta, 1e-8, "beta")
		assertClose(t, fits[i].TValues, stats.TValues, 1e-8, "t")
		assert.InDelta(t, fits[i].SSE, stats.SSE, 1e-8)
	}
}

func TestRun_DuplicatedCovariateIsRankDeficient(t *testing.T) {
	cohort := testkit.GenerateCohort(testkit.DefaultCohortConfig())
	sites := cohortSites(cohort, 0)
	for i := range sites {
		cov := sites[i].Spec.Covariates
		cov.Columns = append(cov.Columns, "age_copy")
		for r := range cov.Rows {
			cov.Rows[r] = append(cov.Rows[r], cov.Rows[r][0])
		}
	}
	o, _ := newRig(t, testConfig())

	_, err := o.Run(context.Background(), sites, regression.State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSingularMatrix)
}

func TestRun_LambdaMismatchIsProtocolViolation(t *testing.T) {
	cohort := testkit.GenerateCohort(testkit.DefaultCohortConfig())
	sites := cohortSites(cohort, 0)
	other := 0.5
	sites[1].Spec.Lambda = &other
	o, _ := newRig(t, testConfig())

	_, err := o.Run(context.Background(), sites, regression.State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLambdaMismatch)
	assert.True(t, core.IsProtocolError(err))
}

func TestRun_MissingResponsesUseCompleteCases(t *testing.T) {
	cfg := testkit.DefaultCohortConfig()
	cfg.MissingRate = 0.1
	cohort := testkit.GenerateCohort(cfg)
	o, _ := newRig(t, testConfig())

	res, err := o.Run(context.Background(), cohortSites(cohort, 0), regression.State{})
	require.NoError(t, err)
	require.Len(t, res.Final.GlobalStats, cfg.Responses)

	x, y := cohort.Pooled()
	n, k := x.Dims()
	sawMissing := false
	for i, stats := range res.Final.GlobalStats {
		ref, err := testkit.FitReference(x, column(y, i))
		require.NoError(t, err)
		if ref.DOF+k < n {
			sawMissing = true
		}
		assert.Equal(t, ref.DOF, stats.DOF)
		assertClose(t, ref.Beta, stats.Beta, 1e-8, stats.Label+" beta")
		assertClose(t, ref.P, stats.PValues, 1e-8, stats.Label+" p")
		for _, v := range append(append(append([]float64{}, stats.Beta...), stats.TValues...), stats.PValues...) {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
	assert.True(t, sawMissing, "generator should have dropped some responses")
}

func TestRun_TwoSitesLinearSignal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var sites []Site
	pooledX := mat.NewDense(20, 3, nil)
	pooledY := make([]float64, 20)
	row := 0
	for _, id := range []string{"A", "B"} {
		cov := regression.Table{Columns: []string{"x"}}
		data := regression.Table{Columns: []string{"y"}}
		for i := 0; i < 10; i++ {
			x := float64(i) + rng.Float64()
			y := 2 + 3*x + rng.NormFloat64()*0.5
			cov.Rows = append(cov.Rows, []regression.Cell{regression.NewCell(strconv.FormatFloat(x, 'g', -1, 64))})
			data.Rows = append(data.Rows, []regression.Cell{regression.NumberCell(y)})

			pooledX.SetRow(row, []float64{1, x, 0})
			if id == "B" {
				pooledX.Set(row, 2, 1)
			}
			pooledY[row] = y
			row++
		}
		sites = append(sites, Site{ID: id, Spec: regression.SiteSpec{Covariates: &cov, Data: &data}})
	}
	o, _ := newRig(t, testConfig())

	res, err := o.Run(context.Background(), sites, regression.State{})
	require.NoError(t, err)
	require.Len(t, res.Final.GlobalStats, 1)
	assert.Equal(t, []string{"const", "x", "site_B"}, res.Final.XLabels)

	stats := res.Final.GlobalStats[0]
	assert.Greater(t, math.Abs(stats.TValues[1]), 4.0)
	assert.Less(t, stats.PValues[1], 0.01)
	assert.InDelta(t, 3, stats.Beta[1], 0.5)

	ref, err := testkit.FitReference(pooledX, pooledY)
	require.NoError(t, err)
	assertClose(t, ref.Beta, stats.Beta, 1e-6, "beta")
	assertClose(t, ref.T, stats.TValues, 1e-6, "t")
	assertClose(t, ref.P, stats.PValues, 1e-6, "p")
	assert.Equal(t, 17, stats.DOF)
}

func TestRun_LargeScaleCovariateMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	const perSite = 60
	pooledX := mat.NewDense(2*perSite, 4, nil)
	pooledY := make([]float64, 2*perSite)
	var sites []Site
	row := 0
	for _, id := range []string{"A", "B"} {
		cov := regression.Table{Columns: []string{"age", "icv"}}
		data := regression.Table{Columns: []string{"gm"}}
		for i := 0; i < perSite; i++ {
			age := 50 + rng.NormFloat64()*15
			icv := 1.5e6 + rng.NormFloat64()*1.5e5
			y := 0.6 - 0.002*age + 1e-7*icv + rng.NormFloat64()*0.05
			cov.Rows = append(cov.Rows, []regression.Cell{
				regression.NumberCell(age),
				regression.NumberCell(icv),
			})
			data.Rows = append(data.Rows, []regression.Cell{regression.NumberCell(y)})

			pooledX.SetRow(row, []float64{1, age, icv, 0})
			if id == "B" {
				pooledX.Set(row, 3, 1)
			}
			pooledY[row] = y
			row++
		}
		sites = append(sites, Site{ID: id, Spec: regression.SiteSpec{Covariates: &cov, Data: &data}})
	}
	o, _ := newRig(t, testConfig())

	res, err := o.Run(context.Background(), sites, regression.State{})
	require.NoError(t, err)
	assert.Empty(t, res.Final.FailedColumns)
	require.Len(t, res.Final.GlobalStats, 1)
	for _, id := range []string{"A", "B"} {
		assert.Len(t, res.Final.LocalStats[id], 1, "local diagnostic fit for %s", id)
	}

	ref, err := testkit.FitReference(pooledX, pooledY)
	require.NoError(t, err)
	stats := res.Final.GlobalStats[0]
	for j := range ref.Beta {
		assert.InEpsilon(t, ref.Beta[j], stats.Beta[j], 1e-6, "beta[%d]", j)
		assert.InEpsilon(t, ref.SE[j], stats.SE[j], 1e-6, "se[%d]", j)
	}
	assertClose(t, ref.T, stats.TValues, 1e-6, "t")
	assertClose(t, ref.P, stats.PValues, 1e-6, "p")
}

func TestRun_SiteColumnIsDroppedBeforeEncoding(t *testing.T) {
	cfg := testkit.DefaultCohortConfig()
	cfg.WithSiteColumn = true
	cohort := testkit.GenerateCohort(cfg)
	o, _ := newRig(t, testConfig())

	res, err := o.Run(context.Background(), cohortSites(cohort, 0), regression.State{})
	require.NoError(t, err)
	assert.Equal(t, cohort.PooledLabels(), res.Final.XLabels)
	assert.NotContains(t, res.Round0.CovarKeys, "site")
}

func TestRun_RidgeShrinksCoefficients(t *testing.T) {
	cohort := testkit.GenerateCohort(testkit.DefaultCohortConfig())

	plain, _ := newRig(t, testConfig())
	base, err := plain.Run(context.Background(), cohortSites(cohort, 0), regression.State{})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Protocol.Strategy = config.StrategyRidge
	ridge, _ := newRig(t, cfg)
	shrunk, err := ridge.Run(context.Background(), cohortSites(cohort, 50), regression.State{})
	require.NoError(t, err)

	for i := range base.Final.GlobalStats {
		b, r := base.Final.GlobalStats[i].Beta, shrunk.Final.GlobalStats[i].Beta
		var nb, nr float64
		for j := 1; j < len(b); j++ {
			nb += b[j] * b[j]
			nr += r[j] * r[j]
		}
		assert.Less(t, nr, nb)
	}
}

func TestRun_RejectsDuplicateSites(t *testing.T) {
	cohort := testkit.GenerateCohort(testkit.DefaultCohortConfig())
	sites := cohortSites(cohort, 0)
	sites[1].ID = sites[0].ID
	o, _ := newRig(t, testConfig())

	_, err := o.Run(context.Background(), sites, regression.State{})
	assert.Error(t, err)

	_, err = o.Run(context.Background(), nil, regression.State{})
	assert.ErrorIs(t, err, core.ErrMissingSite)
}
