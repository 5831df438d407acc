// Package phase reads the computation_phase discriminator out of a raw
// request document and routes it to the matching round handler.
package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"fedreg/domain/core"
	"fedreg/domain/regression"
	"fedreg/internal"
	"fedreg/internal/errors"

	"github.com/tidwall/gjson"
)

const field = "computation_phase"

// Role says which side of the protocol a dispatcher serves.
type Role string

const (
	RoleLocal  Role = "local"
	RoleRemote Role = "remote"
)

// Rounds is implemented by both the site worker and the coordinator.
type Rounds interface {
	Round0(ctx context.Context, req *regression.Request) (*regression.Response, error)
	Round1(ctx context.Context, req *regression.Request) (*regression.Response, error)
	Round2(ctx context.Context, req *regression.Request) (*regression.Response, error)
}

var nextLocal = map[regression.Phase]regression.Phase{
	regression.PhaseRemote0: regression.PhaseLocal1,
	regression.PhaseRemote1: regression.PhaseLocal2,
}

var nextRemote = map[regression.Phase]regression.Phase{
	regression.PhaseLocal0: regression.PhaseRemote0,
	regression.PhaseLocal1: regression.PhaseRemote1,
	regression.PhaseLocal2: regression.PhaseRemote2,
}

// DiscoverLocal picks the site round from the coordinator output in the
// document's input. An input without a phase is a fresh site spec.
func DiscoverLocal(doc []byte) (regression.Phase, error) {
	if !gjson.ValidBytes(doc) {
		return "", errors.InvalidInput("request is not valid JSON")
	}
	found := gjson.GetBytes(doc, "input."+field)
	if !found.Exists() {
		return regression.PhaseLocal0, nil
	}
	next, ok := nextLocal[regression.Phase(found.String())]
	if !ok {
		return "", errors.ProtocolViolation("local", core.NewUnknownPhaseError(found.String()))
	}
	return next, nil
}

// DiscoverRemote picks the coordinator round from the site outputs, which
// must all report the same phase.
func DiscoverRemote(doc []byte) (regression.Phase, error) {
	if !gjson.ValidBytes(doc) {
		return "", errors.InvalidInput("request is not valid JSON")
	}
	input := gjson.GetBytes(doc, "input")
	if !input.IsObject() {
		return "", errors.ProtocolViolation("remote input must be an object keyed by site", core.ErrMissingSite)
	}

	phases := make(map[string][]string)
	var bad error
	input.ForEach(func(site, out gjson.Result) bool {
		p := out.Get(field)
		if !p.Exists() {
			bad = errors.ProtocolViolation("site "+site.String(), core.NewUnknownPhaseError(""))
			return false
		}
		phases[p.String()] = append(phases[p.String()], site.String())
		return true
	})
	if bad != nil {
		return "", bad
	}

	switch len(phases) {
	case 0:
		return "", errors.ProtocolViolation("no site submissions", core.ErrMissingSite)
	case 1:
	default:
		var seen []string
		for p, sites := range phases {
			sort.Strings(sites)
			seen = append(seen, fmt.Sprintf("%s%v", p, sites))
		}
		sort.Strings(seen)
		return "", errors.ProtocolViolation(fmt.Sprintf("sites disagree on phase: %v", seen), core.ErrPhaseMismatch)
	}

	for p := range phases {
		next, ok := nextRemote[regression.Phase(p)]
		if !ok {
			return "", errors.ProtocolViolation("remote", core.NewUnknownPhaseError(p))
		}
		return next, nil
	}
	return "", nil
}

// Dispatcher decodes a request document and runs the round its phase selects.
type Dispatcher struct {
	role   Role
	rounds Rounds
	logger *internal.Logger
}

// NewDispatcher creates a dispatcher for one side of the protocol.
func NewDispatcher(role Role, rounds Rounds, logger *internal.Logger) *Dispatcher {
	if logger == nil {
		logger = internal.Discard()
	}
	return &Dispatcher{role: role, rounds: rounds, logger: logger}
}

// Role returns the side this dispatcher serves
func (d *Dispatcher) Role() Role {
	return d.role
}

// Discover returns the round the document will run.
func (d *Dispatcher) Discover(doc []byte) (regression.Phase, error) {
	if d.role == RoleRemote {
		return DiscoverRemote(doc)
	}
	return DiscoverLocal(doc)
}

// Handle runs one round for a raw request document.
func (d *Dispatcher) Handle(ctx context.Context, doc []byte) (*regression.Response, regression.Phase, error) {
	p, err := d.Discover(doc)
	if err != nil {
		return nil, "", err
	}

	var req regression.Request
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, p, errors.Wrapf(errors.InvalidInput(err.Error()), "decode %s request", p)
	}

	start := time.Now()
	var resp *regression.Response
	switch p {
	case regression.PhaseLocal0, regression.PhaseRemote0:
		resp, err = d.rounds.Round0(ctx, &req)
	case regression.PhaseLocal1, regression.PhaseRemote1:
		resp, err = d.rounds.Round1(ctx, &req)
	case regression.PhaseLocal2, regression.PhaseRemote2:
		resp, err = d.rounds.Round2(ctx, &req)
	default:
		return nil, p, errors.ProtocolViolation(string(d.role), core.NewUnknownPhaseError(p.String()))
	}
	if err != nil {
		d.logger.Error("%s failed after %s: %v", p, time.Since(start), err)
		return nil, p, err
	}
	d.logger.Debug("%s done in %s", p, time.Since(start))
	return resp, p, nil
}
