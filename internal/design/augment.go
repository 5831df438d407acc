// Package design builds the site-augmented design matrix. Every site encodes
// against the global vocabulary from round 0, so X_labels agree positionally
// across sites even when a site has not seen every category.
package design

import (
	"fmt"
	"sort"
	"strings"

	"fedreg/domain/core"
	"fedreg/domain/regression"

	"gonum.org/v1/gonum/mat"
)

// SiteColumnName is the covariate column dropped before encoding; site
// membership is expressed only through the site-indicator block.
const SiteColumnName = "site"

// Design is an augmented design matrix with its column labels.
type Design struct {
	Labels []string
	X      *mat.Dense

	// SiteStart is the index of the first site-indicator column.
	SiteStart int
}

// K returns the number of coefficients
func (d *Design) K() int {
	return len(d.Labels)
}

// Subject returns the design without the site-indicator block. Site-local
// diagnostic fits use it since the indicator columns are constant within a site.
func (d *Design) Subject() (*mat.Dense, []string) {
	n, _ := d.X.Dims()
	sub := mat.DenseCopyOf(d.X.Slice(0, n, 0, d.SiteStart))
	return sub, d.Labels[:d.SiteStart]
}

// LocalLevels returns the sorted distinct levels of every categorical
// covariate in the table. The site column is never reported.
func LocalLevels(t regression.Table, categorical []string) (map[string][]string, error) {
	if err := t.Validate(); err != nil {
		return nil, core.NewSchemaError("covariates", err.Error())
	}
	out := make(map[string][]string, len(categorical))
	for _, name := range categorical {
		if name == SiteColumnName {
			continue
		}
		idx := t.ColumnIndex(name)
		if idx < 0 {
			return nil, core.NewSchemaError(name, "categorical covariate not present in table")
		}
		levels := t.Levels(idx)
		sort.Strings(levels)
		out[name] = levels
	}
	return out, nil
}

type column struct {
	name        string
	index       int
	categorical bool
	levels      []string
}

func plan(t regression.Table, categorical []string, vocab regression.Vocabulary) ([]column, []string, error) {
	isCat := make(map[string]bool, len(categorical))
	for _, c := range categorical {
		isCat[c] = true
	}

	labels := []string{regression.ConstLabel}
	var cols []column
	for i, name := range t.Columns {
		if name == SiteColumnName {
			continue
		}
		c := column{name: name, index: i, categorical: isCat[name]}
		if c.categorical {
			levels, ok := vocab.CovarKeys[name]
			if !ok || len(levels) == 0 {
				return nil, nil, core.NewSchemaError(name, "categorical covariate missing from global vocabulary")
			}
			c.levels = levels
			for _, level := range levels[1:] {
				labels = append(labels, name+"_"+level)
			}
		} else {
			labels = append(labels, name)
		}
		cols = append(cols, c)
	}
	return cols, append(labels, vocab.SiteCovarList...), nil
}

// Labels returns X_labels for a table shape without reading any rows.
func Labels(t regression.Table, categorical []string, vocab regression.Vocabulary) ([]string, error) {
	_, labels, err := plan(t, categorical, vocab)
	return labels, err
}

// Build encodes a site's covariate table into the augmented design matrix:
// const, subject covariates (categoricals dummy-encoded against the global
// levels, first level dropped), then one indicator per site-covariate entry.
// A site that is neither listed nor the vocabulary's reference site is a
// schema error; an empty ReferenceSite accepts any unlisted site as reference.
func Build(t regression.Table, categorical []string, siteID string, vocab regression.Vocabulary) (*Design, error) {
	if err := t.Validate(); err != nil {
		return nil, core.NewSchemaError("covariates", err.Error())
	}
	if t.NumRows() == 0 {
		return nil, core.NewSchemaError("covariates", "no subjects")
	}

	cols, labels, err := plan(t, categorical, vocab)
	if err != nil {
		return nil, err
	}

	ownSite := regression.SiteColumn(siteID)
	known := false
	for _, s := range vocab.SiteCovarList {
		if s == ownSite {
			known = true
		}
	}
	if !known && vocab.ReferenceSite != "" && siteID != vocab.ReferenceSite {
		return nil, core.NewSchemaError("site", fmt.Sprintf("site %q is neither the reference site %q nor in [%s]",
			siteID, vocab.ReferenceSite, strings.Join(vocab.SiteCovarList, ", ")))
	}

	n, k := t.NumRows(), len(labels)
	x := mat.NewDense(n, k, nil)
	for r, row := range t.Rows {
		x.Set(r, 0, 1)
		j := 1
		for _, c := range cols {
			cell := row[c.index]
			if c.categorical {
				if cell.Missing {
					return nil, core.NewSchemaError(c.name, fmt.Sprintf("row %d is missing", r))
				}
				pos := indexOf(c.levels, cell.Value)
				if pos < 0 {
					return nil, core.NewSchemaError(c.name, fmt.Sprintf("level %q not in global vocabulary [%s]", cell.Value, strings.Join(c.levels, ", ")))
				}
				if pos > 0 {
					x.Set(r, j+pos-1, 1)
				}
				j += len(c.levels) - 1
				continue
			}
			v, err := cell.Float()
			if err != nil || cell.Missing {
				return nil, core.NewSchemaError(c.name, fmt.Sprintf("row %d value %q is not numeric", r, cell.Value))
			}
			x.Set(r, j, v)
			j++
		}
		if known {
			for s, entry := range vocab.SiteCovarList {
				if entry == ownSite {
					x.Set(r, j+s, 1)
				}
			}
		}
	}

	return &Design{Labels: labels, X: x, SiteStart: k - len(vocab.SiteCovarList)}, nil
}

func indexOf(values []string, v string) int {
	for i, s := range values {
		if s == v {
			return i
		}
	}
	return -1
}
