package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lemnk/sudo-agent/pkg/reason"
)

// CELPolicy evaluates a CEL expression against the invocation context.
// The expression must resolve to a string matching one of "ALLOW",
// "DENY", or "REQUIRE_APPROVAL"; compiled programs are cached by source
// text the way the teacher's policy evaluator caches compiled rules.
type CELPolicy struct {
	id         string
	source     string
	reasonText string
	reasonCode reason.Code

	env *cel.Env
	prg cel.Program
	mu  sync.RWMutex
}

// NewCELPolicy compiles expr once at construction time; Evaluate only
// re-enters the CEL runtime, never the compiler.
func NewCELPolicy(id, expr, reasonText string, reasonCode reason.Code) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("args", cel.DynType),
		cel.Variable("kwargs", cel.DynType),
		cel.Variable("metadata", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy/cel: new env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy/cel: compile %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("policy/cel: program: %w", err)
	}

	sum := sha256.Sum256([]byte(expr))
	return &CELPolicy{
		id:         id,
		source:     hex.EncodeToString(sum[:]),
		reasonText: reasonText,
		reasonCode: reasonCode,
		env:        env,
		prg:        prg,
	}, nil
}

func (p *CELPolicy) Evaluate(ctx context.Context, invocation Context) (Result, error) {
	p.mu.RLock()
	prg := p.prg
	p.mu.RUnlock()

	out, _, err := prg.Eval(map[string]interface{}{
		"action":   invocation.Action,
		"args":     invocation.Args,
		"kwargs":   invocation.Kwargs,
		"metadata": invocation.Metadata,
	})
	if err != nil {
		return Result{}, fmt.Errorf("policy/cel: eval: %w", err)
	}

	verdict, ok := out.Value().(string)
	if !ok {
		return Result{}, fmt.Errorf("policy/cel: expression did not evaluate to a string verdict")
	}

	switch Effect(verdict) {
	case Allow, Deny, RequireApproval:
		return Result{Effect: Effect(verdict), Reason: p.reasonText, ReasonCode: p.reasonCode}, nil
	default:
		return Result{}, fmt.Errorf("policy/cel: unrecognized verdict %q", verdict)
	}
}

func (p *CELPolicy) PolicyID() string   { return p.id }
func (p *CELPolicy) SourceHash() string { return p.source }
