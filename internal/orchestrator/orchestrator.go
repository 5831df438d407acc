// Package orchestrator drives a complete run in one process: every site and
// the coordinator exchange the same JSON documents an external orchestrator
// would pass between them, with a barrier after each round.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fedreg/domain/core"
	"fedreg/domain/regression"
	"fedreg/internal"
	"fedreg/internal/errors"
	"fedreg/internal/phase"

	"golang.org/x/sync/errgroup"
)

// Site is one participant's round-0 input and invocation state.
type Site struct {
	ID    string
	Spec  regression.SiteSpec
	State regression.State
}

// Result collects the coordinator outputs of every round.
type Result struct {
	RunID   string
	Round0  regression.Remote0Output
	Round1  regression.Remote1Output
	Final   regression.Remote2Output
	Elapsed time.Duration
}

// Orchestrator runs the three rounds across in-process participants.
type Orchestrator struct {
	local  *phase.Dispatcher
	remote *phase.Dispatcher
	logger *internal.Logger
}

// New creates an orchestrator around a site worker and a coordinator.
func New(worker, coordinator phase.Rounds, logger *internal.Logger) *Orchestrator {
	if logger == nil {
		logger = internal.Discard()
	}
	return &Orchestrator{
		local:  phase.NewDispatcher(phase.RoleLocal, worker, logger),
		remote: phase.NewDispatcher(phase.RoleRemote, coordinator, logger),
		logger: logger,
	}
}

type document struct {
	Input json.RawMessage  `json:"input"`
	State regression.State `json:"state"`
	Cache json.RawMessage  `json:"cache,omitempty"`
}

type envelope struct {
	Output  json.RawMessage `json:"output"`
	Cache   json.RawMessage `json:"cache,omitempty"`
	Success bool            `json:"success"`
}

// Run executes local_0 through remote_2. coordinator is the coordinator's
// invocation state; its RunID keys the cross-round cache.
func (o *Orchestrator) Run(ctx context.Context, sites []Site, coordinator regression.State) (*Result, error) {
	start := time.Now()
	if len(sites) == 0 {
		return nil, errors.ProtocolViolation("no sites to run", core.ErrMissingSite)
	}
	if coordinator.RunID == "" {
		coordinator.RunID = core.NewID().String()
	}
	seen := make(map[string]bool, len(sites))
	for i := range sites {
		if sites[i].ID == "" || seen[sites[i].ID] {
			return nil, errors.InvalidInput(fmt.Sprintf("site %d has an empty or duplicate id %q", i, sites[i].ID))
		}
		seen[sites[i].ID] = true
		if sites[i].State.ClientID == "" {
			sites[i].State.ClientID = sites[i].ID
		}
		if sites[i].State.RunID == "" {
			sites[i].State.RunID = coordinator.RunID
		}
	}

	caches := make(map[string]json.RawMessage, len(sites))
	inputs := make(map[string]json.RawMessage, len(sites))
	for _, s := range sites {
		spec, err := json.Marshal(s.Spec)
		if err != nil {
			return nil, errors.Wrapf(err, "encode spec for %s", s.ID)
		}
		inputs[s.ID] = spec
	}

	res := &Result{RunID: coordinator.RunID}
	var remoteCache json.RawMessage
	for round := 0; round < 3; round++ {
		outputs, err := o.fanOut(ctx, sites, inputs, caches)
		if err != nil {
			return nil, err
		}

		in, err := json.Marshal(outputs)
		if err != nil {
			return nil, errors.Wrap(err, "encode site outputs")
		}
		env, err := o.call(ctx, o.remote, document{Input: in, State: coordinator, Cache: remoteCache})
		if err != nil {
			return nil, errors.Wrapf(err, "coordinator round %d", round)
		}
		if len(env.Cache) > 0 && string(env.Cache) != "null" {
			remoteCache = env.Cache
		}

		var target interface{}
		switch round {
		case 0:
			target = &res.Round0
		case 1:
			target = &res.Round1
		default:
			target = &res.Final
		}
		if err := json.Unmarshal(env.Output, target); err != nil {
			return nil, errors.Wrapf(errors.InvalidInput(err.Error()), "decode coordinator round %d", round)
		}
		for _, s := range sites {
			inputs[s.ID] = env.Output
		}
		o.logger.Info("round %d complete: %d sites", round, len(sites))
	}

	res.Elapsed = time.Since(start)
	o.logger.Info("run %s finished in %s", res.RunID, res.Elapsed)
	return res, nil
}

// fanOut runs the current local round at every site concurrently and waits
// for all of them. Each site's cache is replaced by the one it returns.
func (o *Orchestrator) fanOut(ctx context.Context, sites []Site, inputs, caches map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	var mu sync.Mutex
	outputs := make(map[string]json.RawMessage, len(sites))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sites {
		mu.Lock()
		doc := document{Input: inputs[s.ID], State: s.State, Cache: caches[s.ID]}
		mu.Unlock()

		g.Go(func() error {
			env, err := o.call(gctx, o.local, doc)
			if err != nil {
				return errors.Wrapf(err, "site %s", s.ID)
			}
			mu.Lock()
			defer mu.Unlock()
			outputs[s.ID] = env.Output
			caches[s.ID] = env.Cache
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// call sends one document through a dispatcher and round-trips the response
// through JSON, exactly as a process boundary would.
func (o *Orchestrator) call(ctx context.Context, d *phase.Dispatcher, doc document) (*envelope, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	resp, _, err := d.Handle(ctx, raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "encode response")
	}
	var env envelope
	if err := json.Unmarshal(out, &env); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if !env.Success {
		return nil, errors.InternalError("participant reported success=false")
	}
	return &env, nil
}
