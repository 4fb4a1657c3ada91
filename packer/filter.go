package packer

import (
	"fmt"
	log "log/slog"

	"github.com/google/cel-go/cel"

	"github.com/permadata/bundler"
)

// AdmissionFilter evaluates an operator-supplied CEL expression per item at
// plan time. Items the expression rejects stay in new_data_item untouched.
type AdmissionFilter struct {
	program cel.Program
}

// NewAdmissionFilter compiles expr. The expression sees the variables
// id, owner, byteCount, contentType and premium, and must yield a bool.
func NewAdmissionFilter(expr string) (*AdmissionFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("owner", cel.StringType),
		cel.Variable("byteCount", cel.IntType),
		cel.Variable("contentType", cel.StringType),
		cel.Variable("premium", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("building filter environment, details: %v", err)
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compiling admission filter, details: %v", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building admission filter program, details: %v", err)
	}
	return &AdmissionFilter{program: prg}, nil
}

// Admit returns the items the expression accepts. An evaluation error admits
// the item; the filter is an operator convenience, not a correctness gate.
func (f *AdmissionFilter) Admit(items []bundler.NewDataItem) []bundler.NewDataItem {
	if f == nil {
		return items
	}
	out := make([]bundler.NewDataItem, 0, len(items))
	for _, item := range items {
		val, _, err := f.program.Eval(map[string]any{
			"id":          string(item.ID),
			"owner":       item.OwnerAddress,
			"byteCount":   item.ByteCount,
			"contentType": item.PayloadContentType,
			"premium":     item.PremiumFeatureType,
		})
		if err != nil {
			log.Warn(fmt.Sprintf("admission filter errored on %s, admitting, details: %v", item.ID, err))
			out = append(out, item)
			continue
		}
		admitted, ok := val.Value().(bool)
		if !ok || admitted {
			out = append(out, item)
		}
	}
	return out
}
