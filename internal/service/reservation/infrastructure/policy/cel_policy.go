// Package policy 用 CEL 表达式实现购买规则。规则是一段返回 bool 的
// 表达式，逐行对请求求值，例如限制单票种数量：
//
//	quantity <= 8 && total_requested <= 20
//
// 规则在服务启动时编译一次，求值是纯内存操作，不触碰账本。
package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	pkgerrors "github.com/pkg/errors"

	"turnstile/internal/service/reservation/domain"
)

// CELPolicy 是 port.PurchasePolicy 的 cel-go 实现。
type CELPolicy struct {
	rule    string
	program cel.Program
}

// NewCELPolicy 编译规则表达式。规则里可用的变量：
// session_id, ticket_type_id, quantity, total_requested。
func NewCELPolicy(rule string) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("session_id", cel.StringType),
		cel.Variable("ticket_type_id", cel.StringType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("total_requested", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL environment: %w", err)
	}

	ast, iss := env.Compile(rule)
	if iss.Err() != nil {
		return nil, fmt.Errorf("invalid policy rule: %w", iss.Err())
	}
	if ast.OutputType().String() != "bool" {
		return nil, fmt.Errorf("policy rule must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy program: %w", err)
	}
	return &CELPolicy{rule: rule, program: program}, nil
}

func (p *CELPolicy) Authorize(_ context.Context, sessionID string, items []domain.LineItem) error {
	total := 0
	for _, it := range items {
		total += it.Quantity
	}
	for _, it := range items {
		out, _, err := p.program.Eval(map[string]interface{}{
			"session_id":      sessionID,
			"ticket_type_id":  it.TicketTypeID,
			"quantity":        it.Quantity,
			"total_requested": total,
		})
		if err != nil {
			return fmt.Errorf("policy evaluation failed: %w", err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return fmt.Errorf("policy rule returned %T, want bool", out.Value())
		}
		if !allowed {
			return pkgerrors.Wrapf(domain.ErrPolicyRejected, "ticket type %s", it.TicketTypeID)
		}
	}
	return nil
}
