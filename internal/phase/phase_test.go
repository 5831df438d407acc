package phase

import (
	"context"
	"testing"

	"fedreg/domain/core"
	"fedreg/domain/regression"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverLocal(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want regression.Phase
		err  error
	}{
		{"site spec", `{"input":{"covariates_file":"c.csv","data_file":"d.csv"},"state":{"clientId":"local0"}}`, regression.PhaseLocal0, nil},
		{"after remote_0", `{"input":{"covar_keys":{},"computation_phase":"remote_0"}}`, regression.PhaseLocal1, nil},
		{"after remote_1", `{"input":{"avg_beta_vector":[[1]],"computation_phase":"remote_1"}}`, regression.PhaseLocal2, nil},
		{"unknown", `{"input":{"computation_phase":"remote_9"}}`, "", core.ErrUnknownPhase},
		{"local phase fed back", `{"input":{"computation_phase":"local_1"}}`, "", core.ErrUnknownPhase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiscoverLocal([]byte(tt.doc))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscoverRemote(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want regression.Phase
		err  error
	}{
		{"round 0", `{"input":{"a":{"computation_phase":"local_0"},"b":{"computation_phase":"local_0"}}}`, regression.PhaseRemote0, nil},
		{"round 1", `{"input":{"a":{"computation_phase":"local_1"}}}`, regression.PhaseRemote1, nil},
		{"round 2", `{"input":{"a":{"computation_phase":"local_2"},"b":{"computation_phase":"local_2"}}}`, regression.PhaseRemote2, nil},
		{"disagreement", `{"input":{"a":{"computation_phase":"local_1"},"b":{"computation_phase":"local_2"}}}`, "", core.ErrPhaseMismatch},
		{"missing phase", `{"input":{"a":{"site_id":"a"}}}`, "", core.ErrUnknownPhase},
		{"unknown phase", `{"input":{"a":{"computation_phase":"local_7"}}}`, "", core.ErrUnknownPhase},
		{"no sites", `{"input":{}}`, "", core.ErrMissingSite},
		{"not an object", `{"input":[1,2]}`, "", core.ErrMissingSite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiscoverRemote([]byte(tt.doc))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscover_InvalidJSON(t *testing.T) {
	_, err := DiscoverLocal([]byte(`{"input":`))
	assert.Error(t, err)
	_, err = DiscoverRemote([]byte(`nope`))
	assert.Error(t, err)
}

type recorder struct {
	calls []int
}

func (r *recorder) round(n int) (*regression.Response, error) {
	r.calls = append(r.calls, n)
	return &regression.Response{Output: n, Success: true}, nil
}

func (r *recorder) Round0(ctx context.Context, req *regression.Request) (*regression.Response, error) {
	return r.round(0)
}

func (r *recorder) Round1(ctx context.Context, req *regression.Request) (*regression.Response, error) {
	return r.round(1)
}

func (r *recorder) Round2(ctx context.Context, req *regression.Request) (*regression.Response, error) {
	return r.round(2)
}

func TestDispatcher_RoutesByPhase(t *testing.T) {
	rec := &recorder{}
	local := NewDispatcher(RoleLocal, rec, nil)
	remote := NewDispatcher(RoleRemote, rec, nil)

	_, p, err := local.Handle(context.Background(), []byte(`{"input":{},"state":{"clientId":"s1"}}`))
	require.NoError(t, err)
	assert.Equal(t, regression.PhaseLocal0, p)

	_, p, err = remote.Handle(context.Background(), []byte(`{"input":{"s1":{"computation_phase":"local_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, regression.PhaseRemote1, p)

	_, p, err = local.Handle(context.Background(), []byte(`{"input":{"computation_phase":"remote_1"}}`))
	require.NoError(t, err)
	assert.Equal(t, regression.PhaseLocal2, p)

	assert.Equal(t, []int{0, 1, 2}, rec.calls)
}

func TestDispatcher_UnknownPhaseRunsNothing(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(RoleLocal, rec, nil)

	resp, _, err := d.Handle(context.Background(), []byte(`{"input":{"computation_phase":"remote_5"}}`))
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, core.ErrUnknownPhase)
	assert.Empty(t, rec.calls)
}
