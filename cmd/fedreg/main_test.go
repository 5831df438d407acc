package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fedreg/adapters/cache"
	"fedreg/domain/core"
	"fedreg/domain/regression"
	"fedreg/internal/phase"
	"fedreg/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const siteA = `{
  "covariates": {"columns": ["age", "sex"], "rows": [[30, "F"], [41, "M"], [52, "F"]]},
  "data": {"columns": ["v1"], "rows": [[1.5], [2.0], [2.5]]},
  "categorical": ["sex"]
}`

const siteB = `{
  "covariates": {"columns": ["age", "sex"], "rows": [[28, "M"], [61, "X"], [45, "M"]]},
  "data": {"columns": ["v1"], "rows": [[1.1], [3.2], [2.2]]},
  "categorical": ["sex"]
}`

func isolateEnv(t *testing.T) {
	t.Setenv("FEDREG_CONFIG", "")
	t.Setenv("FEDREG_ARTIFACTS", "false")
	t.Setenv("LOG_LEVEL", "ERROR")
}

func TestVocabCmd(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(siteA), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(siteB), 0o644))

	var out bytes.Buffer
	cmd := newVocabCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{filepath.Join(dir, "b.json"), filepath.Join(dir, "a.json")})
	require.NoError(t, cmd.Execute())

	doc := out.Bytes()
	assert.JSONEq(t, `["F","M","X"]`, gjson.GetBytes(doc, "covar_keys.sex").Raw)
	assert.Equal(t, int64(3), gjson.GetBytes(doc, "global_unique_count.sex").Int())
	assert.JSONEq(t, `["site_b"]`, gjson.GetBytes(doc, "site_covar_list").Raw)
	assert.Equal(t, "a", gjson.GetBytes(doc, "reference_site").String())
	assert.Equal(t, string(regression.PhaseRemote0), gjson.GetBytes(doc, "computation_phase").String())
}

func TestRunRound_LocalUnknownPhase(t *testing.T) {
	isolateEnv(t)
	var out bytes.Buffer
	err := runRound(t.Context(), phase.RoleLocal, []byte(`{"input":{"computation_phase":"remote_5"}}`), &out)
	require.Error(t, err)
	assert.Empty(t, out.String())
}

func TestRunRound_LocalRound0(t *testing.T) {
	isolateEnv(t)
	var out bytes.Buffer
	doc := `{"input":` + siteA + `,"state":{"clientId":"a"}}`
	require.NoError(t, runRound(t.Context(), phase.RoleLocal, []byte(doc), &out))

	assert.True(t, gjson.Get(out.String(), "success").Bool())
	assert.Equal(t, "local_0", gjson.Get(out.String(), "output.computation_phase").String())
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
}

func TestCacheCmd_ShowAndRemove(t *testing.T) {
	isolateEnv(t)
	t.Setenv("FEDREG_CACHE_BACKEND", "file")
	t.Setenv("FEDREG_CACHE_DIR", "")
	dir := t.TempDir()

	store, err := cache.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(t.Context(), remote.CacheKey("run-9"), &regression.CacheEntry{
		CacheID:  "c-1",
		RunID:    "run-9",
		Strategy: "ols",
		Sites:    []string{"a", "b"},
		XLabels:  []string{"const", "age"},
		YLabels:  []string{"v1", "v2"},
	}))

	var out bytes.Buffer
	cmd := newCacheCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show", "run-9", "--dir", dir})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "c-1")
	assert.Contains(t, out.String(), "[const age]")

	out.Reset()
	cmd = newCacheCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"rm", "run-9", "--dir", dir})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "removed run-9")

	_, err = store.Get(t.Context(), remote.CacheKey("run-9"))
	assert.ErrorIs(t, err, core.ErrCacheMiss)
}
