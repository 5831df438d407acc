package remote

import (
	"encoding/json"
	"fmt"
	"sort"

	"fedreg/domain/core"
	"fedreg/domain/regression"
	"fedreg/internal/errors"
	"fedreg/internal/ols"

	"gonum.org/v1/gonum/mat"
)

// CacheKey names the coordinator cache entry written by round 1 of a run.
func CacheKey(runID string) string {
	return core.ParseRunID(runID).String() + "/" + regression.PhaseRemote1.String()
}

// submissions splits the remote input into per-site documents, sorted by site id.
func submissions(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil, errors.ProtocolViolation("no site submissions", core.ErrMissingSite)
	}
	var bySite map[string]json.RawMessage
	if err := json.Unmarshal(raw, &bySite); err != nil {
		return nil, nil, errors.Wrapf(errors.InvalidInput(err.Error()), "decode site submissions")
	}
	if len(bySite) == 0 {
		return nil, nil, errors.ProtocolViolation("no site submissions", core.ErrMissingSite)
	}
	sites := make([]string, 0, len(bySite))
	for site := range bySite {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites, bySite, nil
}

// decodeSite unmarshals one site's output and checks its phase.
func decodeSite(site string, raw json.RawMessage, want regression.Phase, v interface{ phase() regression.Phase }) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(errors.InvalidInput(err.Error()), "decode submission from %s", site)
	}
	if got := v.phase(); got != want {
		return errors.ProtocolViolation(fmt.Sprintf("site %s sent phase %q, expected %q", site, got, want), core.ErrPhaseMismatch)
	}
	return nil
}

type local0 struct{ regression.Local0Output }

func (l *local0) phase() regression.Phase { return l.Phase }

type local1 struct{ regression.LocalRound1 }

func (l *local1) phase() regression.Phase { return l.Phase }

type local2 struct{ regression.LocalRound2 }

func (l *local2) phase() regression.Phase { return l.Phase }

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// matrix converts a submitted matrix and checks its shape.
func matrix(site, field string, rows [][]float64, r, c int) (*mat.Dense, error) {
	m, err := ols.FromRows(rows)
	if err != nil {
		return nil, errors.SchemaMismatch(fmt.Sprintf("%s from %s", field, site), err)
	}
	if err := ols.CheckDims(field, m, r, c); err != nil {
		return nil, errors.SchemaMismatch(fmt.Sprintf("%s from %s", field, site), err)
	}
	for _, v := range m.RawMatrix().Data {
		if !ols.AllFinite(v) {
			return nil, errors.NumericalFailure(fmt.Sprintf("%s from %s", field, site), core.ErrNonFinite)
		}
	}
	return m, nil
}

func checkLen(site, field string, got, want int) error {
	if got != want {
		return errors.SchemaMismatch(fmt.Sprintf("%s from %s", field, site),
			core.NewSchemaError(field, fmt.Sprintf("has %d entries, expected %d", got, want)))
	}
	return nil
}

// columnBasis sums per-site matrices for column i, taking a site's
// complete-row matrix in place of its shared one when it sent one.
func columnBasis(i int, shared []*mat.Dense, partials []map[int]*mat.Dense) (*mat.Dense, bool) {
	used := false
	for _, p := range partials {
		if _, ok := p[i]; ok {
			used = true
			break
		}
	}
	if !used {
		return nil, false
	}
	k, _ := shared[0].Dims()
	total := mat.NewDense(k, k, nil)
	for s := range shared {
		if p, ok := partials[s][i]; ok {
			total.Add(total, p)
		} else {
			total.Add(total, shared[s])
		}
	}
	return total, true
}

// partialMatrices converts and shape-checks a site's per-column matrices.
func partialMatrices(site, field string, raw map[int][][]float64, k, m int) (map[int]*mat.Dense, error) {
	out := make(map[int]*mat.Dense, len(raw))
	for col, rows := range raw {
		if col < 0 || col >= m {
			return nil, errors.SchemaMismatch(fmt.Sprintf("%s from %s", field, site),
				core.NewSchemaError(field, fmt.Sprintf("column %d out of range", col)))
		}
		g, err := matrix(site, fmt.Sprintf("%s[%d]", field, col), rows, k, k)
		if err != nil {
			return nil, err
		}
		out[col] = g
	}
	return out, nil
}
