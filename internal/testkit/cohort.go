package testkit

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"fedreg/domain/regression"

	"gonum.org/v1/gonum/mat"
)

// CohortConfig configures the synthetic multi-site cohort generator
type CohortConfig struct {
	Sites           []string  `json:"sites"`
	SubjectsPerSite int       `json:"subjects_per_site"`
	Responses       int       `json:"responses"`
	Intercept       float64   `json:"intercept"`
	AgeEffect       float64   `json:"age_effect"`
	SexEffect       float64   `json:"sex_effect"`
	SiteEffects     []float64 `json:"site_effects"`
	Noise           float64   `json:"noise"`
	MissingRate     float64   `json:"missing_rate"`
	WithSiteColumn  bool      `json:"with_site_column"`
	Seed            int64     `json:"seed"`
}

// DefaultCohortConfig returns a three-site cohort with a categorical covariate
func DefaultCohortConfig() CohortConfig {
	return CohortConfig{
		Sites:           []string{"local0", "local1", "local2"},
		SubjectsPerSite: 40,
		Responses:       6,
		Intercept:       2,
		AgeEffect:       0.05,
		SexEffect:       -1.2,
		SiteEffects:     []float64{0, 0.4, -0.3},
		Noise:           0.5,
		Seed:            42,
	}
}

// Subject is one generated row with its true covariates.
type Subject struct {
	Site string
	Age  float64
	Sex  string
	Y    []float64
}

// Cohort is a generated multi-site dataset with known ground truth.
type Cohort struct {
	Config   CohortConfig
	Subjects []Subject
}

// GenerateCohort draws a cohort. Every site sees both sexes so the global
// vocabulary is {F, M} regardless of seed.
func GenerateCohort(config CohortConfig) *Cohort {
	rng := rand.New(rand.NewSource(config.Seed))
	c := &Cohort{Config: config}

	for s, site := range config.Sites {
		siteEffect := 0.0
		if s < len(config.SiteEffects) {
			siteEffect = config.SiteEffects[s]
		}
		for i := 0; i < config.SubjectsPerSite; i++ {
			sex := "F"
			if i%2 == 1 {
				sex = "M"
			}
			age := 20 + rng.Float64()*50
			subj := Subject{Site: site, Age: math.Round(age*100) / 100, Sex: sex, Y: make([]float64, config.Responses)}
			for j := range subj.Y {
				mu := config.Intercept*(1+0.1*float64(j)) + config.AgeEffect*subj.Age + siteEffect
				if sex == "M" {
					mu += config.SexEffect
				}
				subj.Y[j] = mu + rng.NormFloat64()*config.Noise
				if config.MissingRate > 0 && rng.Float64() < config.MissingRate {
					subj.Y[j] = math.NaN()
				}
			}
			c.Subjects = append(c.Subjects, subj)
		}
	}
	return c
}

// SiteSpec returns the round-0 input for one site with inline tables.
func (c *Cohort) SiteSpec(site string, lambda float64) regression.SiteSpec {
	cov := regression.Table{Columns: []string{"age", "sex"}}
	if c.Config.WithSiteColumn {
		cov.Columns = append(cov.Columns, "site")
	}
	data := regression.Table{}
	for j := 0; j < c.Config.Responses; j++ {
		data.Columns = append(data.Columns, fmt.Sprintf("v%03d", j))
	}

	for _, s := range c.Subjects {
		if s.Site != site {
			continue
		}
		row := []regression.Cell{regression.NewCell(strconv.FormatFloat(s.Age, 'f', -1, 64)), regression.NewCell(s.Sex)}
		if c.Config.WithSiteColumn {
			row = append(row, regression.NewCell(site))
		}
		cov.Rows = append(cov.Rows, row)

		ys := make([]regression.Cell, len(s.Y))
		for j, v := range s.Y {
			ys[j] = regression.NumberCell(v)
		}
		data.Rows = append(data.Rows, ys)
	}

	return regression.SiteSpec{
		Covariates:  &cov,
		Data:        &data,
		Categorical: []string{"sex"},
		Lambda:      &lambda,
	}
}

// PooledLabels is the X_labels order the protocol agrees on for this cohort.
func (c *Cohort) PooledLabels() []string {
	sites := append([]string(nil), c.Config.Sites...)
	sort.Strings(sites)
	labels := []string{regression.ConstLabel, "age", "sex_M"}
	for _, s := range sites[1:] {
		labels = append(labels, regression.SiteColumn(s))
	}
	return labels
}

// Pooled returns the centralized design and response matrices over the union
// of all sites, built directly from the generated subjects.
func (c *Cohort) Pooled() (*mat.Dense, *mat.Dense) {
	sites := append([]string(nil), c.Config.Sites...)
	sort.Strings(sites)
	col := make(map[string]int)
	for i, s := range sites[1:] {
		col[s] = 3 + i
	}

	n, k := len(c.Subjects), 2+len(sites)
	x := mat.NewDense(n, k, nil)
	y := mat.NewDense(n, c.Config.Responses, nil)
	for i, s := range c.Subjects {
		x.Set(i, 0, 1)
		x.Set(i, 1, s.Age)
		if s.Sex == "M" {
			x.Set(i, 2, 1)
		}
		if j, ok := col[s.Site]; ok {
			x.Set(i, j, 1)
		}
		y.SetRow(i, s.Y)
	}
	return x, y
}
