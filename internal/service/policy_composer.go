package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sandeepkv93/smart-session-gateway/internal/aa"
)

// PolicyRequest is a requested policy kind with its kind-specific params.
type PolicyRequest struct {
	Kind   aa.PolicyKind   `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

type ActionRequest struct {
	Target   common.Address  `json:"actionTarget"`
	Selector aa.Selector     `json:"actionTargetSelector"`
	Policies []PolicyRequest `json:"actionPolicies,omitempty"`
}

type spendingLimitParam struct {
	Token common.Address `json:"token"`
	Limit *Amount        `json:"limit"`
}

type valueLimitParams struct {
	Limit *Amount `json:"limit"`
}

type timeFrameParams struct {
	ValidUntil uint64 `json:"validUntil"`
	ValidAfter uint64 `json:"validAfter"`
}

type paramRuleParams struct {
	Condition aa.ParamCondition `json:"condition"`
	Offset    uint64            `json:"offset"`
	IsLimited bool              `json:"isLimited"`
	Ref       common.Hash       `json:"ref"`
	Usage     struct {
		Limit *Amount `json:"limit"`
		Used  *Amount `json:"used"`
	} `json:"usage"`
}

type universalActionParams struct {
	ValueLimitPerUse *Amount          `json:"valueLimitPerUse"`
	ParamRules       []paramRuleParams `json:"paramRules"`
}

// Composition is the output of PolicyComposer.Compose.
type Composition struct {
	UserOpPolicies []aa.Policy
	Actions        []aa.Action
	Sudo           bool
}

// PolicyComposer turns requested policies into concrete policies and the
// allow-listed actions they imply.
type PolicyComposer struct {
	defaultActions []aa.Action
}

func NewPolicyComposer(defaultActions []aa.Action) *PolicyComposer {
	return &PolicyComposer{defaultActions: append([]aa.Action(nil), defaultActions...)}
}

// Compose builds one policy per request. Spending limits additionally yield
// one transfer action per token, and explicit caller actions are appended.
// The default allow-list applies only when neither produced an action and
// sudo was not requested.
func (c *PolicyComposer) Compose(requested []PolicyRequest, explicit []ActionRequest) (Composition, error) {
	if len(requested) == 0 {
		return Composition{}, validationErrorf("at least one policy is required")
	}
	var out Composition
	for i, req := range requested {
		policy, actions, err := buildPolicy(req)
		if err != nil {
			return Composition{}, fmt.Errorf("policy %d: %w", i, err)
		}
		if req.Kind == aa.PolicyKindSudo {
			out.Sudo = true
		}
		out.UserOpPolicies = append(out.UserOpPolicies, policy)
		out.Actions = append(out.Actions, actions...)
	}
	callerActions, err := c.ComposeActions(explicit)
	if err != nil {
		return Composition{}, err
	}
	out.Actions = append(out.Actions, callerActions...)
	if len(out.Actions) == 0 && !out.Sudo {
		out.Actions = append(out.Actions, c.defaultActions...)
	}
	return out, nil
}

// ComposeActions builds caller supplied actions. An action without policies
// gets the sudo action policy.
func (c *PolicyComposer) ComposeActions(requested []ActionRequest) ([]aa.Action, error) {
	out := make([]aa.Action, 0, len(requested))
	for i, req := range requested {
		if req.Target == (common.Address{}) {
			return nil, validationErrorf("action %d: target is required", i)
		}
		action := aa.Action{Target: req.Target, Selector: req.Selector}
		for j, pr := range req.Policies {
			policy, _, err := buildPolicy(pr)
			if err != nil {
				return nil, fmt.Errorf("action %d policy %d: %w", i, j, err)
			}
			action.Policies = append(action.Policies, policy)
		}
		if len(action.Policies) == 0 {
			action.Policies = []aa.Policy{aa.SudoPolicy()}
		}
		out = append(out, action)
	}
	return out, nil
}

func buildPolicy(req PolicyRequest) (aa.Policy, []aa.Action, error) {
	if !req.Kind.Valid() {
		return aa.Policy{}, nil, fmt.Errorf("%w: %q", ErrUnknownPolicyKind, req.Kind)
	}
	switch req.Kind {
	case aa.PolicyKindSudo:
		return aa.SudoPolicy(), nil, nil

	case aa.PolicyKindSpendingLimits:
		var params []spendingLimitParam
		if err := decodeParams(req.Params, &params); err != nil {
			return aa.Policy{}, nil, err
		}
		limits := make([]aa.TokenLimit, 0, len(params))
		for _, p := range params {
			if p.Token == (common.Address{}) || p.Limit == nil {
				return aa.Policy{}, nil, validationErrorf("spending limit requires token and limit")
			}
			limits = append(limits, aa.TokenLimit{Token: p.Token, Limit: p.Limit.Int()})
		}
		policy, err := aa.SpendingLimitsPolicy(limits)
		if err != nil {
			return aa.Policy{}, nil, validationErrorf("%v", err)
		}
		actions := make([]aa.Action, 0, len(limits))
		for _, l := range limits {
			actions = append(actions, aa.Action{
				Target:   l.Token,
				Selector: aa.TransferSelector,
				Policies: []aa.Policy{policy},
			})
		}
		return policy, actions, nil

	case aa.PolicyKindValueLimit:
		var params valueLimitParams
		if err := decodeParams(req.Params, &params); err != nil {
			return aa.Policy{}, nil, err
		}
		if params.Limit == nil {
			return aa.Policy{}, nil, validationErrorf("value limit requires limit")
		}
		policy, err := aa.ValueLimitPolicy(params.Limit.Int())
		if err != nil {
			return aa.Policy{}, nil, validationErrorf("%v", err)
		}
		return policy, nil, nil

	case aa.PolicyKindTimeFrame:
		var params timeFrameParams
		if err := decodeParams(req.Params, &params); err != nil {
			return aa.Policy{}, nil, err
		}
		policy, err := aa.TimeFramePolicy(params.ValidUntil, params.ValidAfter)
		if err != nil {
			return aa.Policy{}, nil, validationErrorf("%v", err)
		}
		return policy, nil, nil

	case aa.PolicyKindUniversalAction:
		var params universalActionParams
		if err := decodeParams(req.Params, &params); err != nil {
			return aa.Policy{}, nil, err
		}
		cfg := aa.ActionConfig{ValueLimitPerUse: params.ValueLimitPerUse.Int()}
		for _, r := range params.ParamRules {
			cfg.ParamRules = append(cfg.ParamRules, aa.ParamRule{
				Condition: r.Condition,
				Offset:    r.Offset,
				IsLimited: r.IsLimited,
				Ref:       r.Ref,
				Limit:     r.Usage.Limit.Int(),
				Used:      r.Usage.Used.Int(),
			})
		}
		policy, err := aa.UniversalActionPolicy(cfg)
		if err != nil {
			return aa.Policy{}, nil, validationErrorf("%v", err)
		}
		return policy, nil, nil
	}
	return aa.Policy{}, nil, fmt.Errorf("%w: %q", ErrUnknownPolicyKind, req.Kind)
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return validationErrorf("params are required")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return validationErrorf("invalid params: %v", err)
	}
	return nil
}

// ParseActionAllowList parses "target:selector" entries into sudo actions.
func ParseActionAllowList(entries []string) ([]aa.Action, error) {
	out := make([]aa.Action, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		target, selector, ok := strings.Cut(entry, ":")
		if !ok || !common.IsHexAddress(target) {
			return nil, fmt.Errorf("invalid action %q: want target:selector", entry)
		}
		sel, err := aa.ParseSelector(selector)
		if err != nil {
			return nil, fmt.Errorf("invalid action %q: %w", entry, err)
		}
		out = append(out, aa.Action{
			Target:   common.HexToAddress(target),
			Selector: sel,
			Policies: []aa.Policy{aa.SudoPolicy()},
		})
	}
	return out, nil
}

// fallbackAction lets a sudo session call any target and selector.
func fallbackAction() aa.Action {
	return aa.Action{
		Target:   aa.FallbackTargetFlag,
		Selector: aa.FallbackSelectorFlag,
		Policies: []aa.Policy{aa.SudoPolicy()},
	}
}
