package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultRulesQuery = "data.shield.ssl.deny"

// ValidatorOptions configure operator admission rules. Modules are Rego
// sources keyed by file name; each must contribute to the deny set named by
// Query (default data.shield.ssl.deny) with human-readable messages.
type ValidatorOptions struct {
	Modules map[string]string
	Query   string
}

// Validator runs Validate plus optional admission rules. Rules can only add
// violations; they cannot re-enable anything the built-in checks deny.
type Validator struct {
	query *rego.PreparedEvalQuery
}

// NewValidator compiles the admission rules. With no modules it only runs
// the built-in checks.
func NewValidator(ctx context.Context, opts ValidatorOptions) (*Validator, error) {
	if len(opts.Modules) == 0 {
		return &Validator{}, nil
	}

	query := strings.TrimSpace(opts.Query)
	if query == "" {
		query = defaultRulesQuery
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query(query)}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse admission rules %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile admission rules: %w", err)
	}

	return &Validator{query: &prepared}, nil
}

// LoadAdmissionRules reads a Rego file or every .rego file of a directory.
func LoadAdmissionRules(path string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("admission rules: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("admission rules: %w", err)
		}
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		//nolint:gosec // Rule files are supplied by the operator
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("admission rules: %w", err)
		}
		modules[filepath.Base(file)] = string(data)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("admission rules: no .rego files in %s", path)
	}
	return modules, nil
}

// Validate runs the built-in checks and then the admission rules, returning a
// single PolicyError with every violation found.
func (v *Validator) Validate(ctx context.Context, spec *PolicySpec) error {
	var violations []Violation

	if err := Validate(spec); err != nil {
		var policyErr *PolicyError
		if !errors.As(err, &policyErr) {
			return err
		}
		violations = append(violations, policyErr.Violations...)
	}

	if v != nil && v.query != nil {
		denials, err := v.evaluate(ctx, spec)
		if err != nil {
			return err
		}
		for _, msg := range denials {
			violations = append(violations, Violation{Setting: "ssl.admission_rules", Entry: msg, Reason: "denied by admission rule"})
		}
	}

	if len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	return nil
}

func (v *Validator) evaluate(ctx context.Context, spec *PolicySpec) ([]string, error) {
	results, err := v.query.Eval(ctx, rego.EvalInput(ruleInput(spec)))
	if err != nil {
		return nil, fmt.Errorf("evaluate admission rules: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	values, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("evaluate admission rules: unexpected result type %T", results[0].Expressions[0].Value)
	}

	denials := make([]string, 0, len(values))
	for _, value := range values {
		denials = append(denials, fmt.Sprint(value))
	}
	sort.Strings(denials)
	return denials, nil
}

func ruleInput(spec *PolicySpec) map[string]any {
	protocols := make([]any, 0, len(spec.protocols))
	for _, name := range spec.ProtocolNames() {
		protocols = append(protocols, name)
	}
	ciphers := make([]any, 0, len(spec.ciphers))
	for _, name := range spec.CipherNames() {
		ciphers = append(ciphers, name)
	}

	input := map[string]any{
		"protocols":           protocols,
		"ciphers":             ciphers,
		"require_client_auth": spec.requireClientAuth,
		"verify_hostname":     spec.verifyHostname,
		"handshake_timeout":   spec.handshakeTimeout.String(),
	}

	if id := spec.identity; id != nil && id.Leaf != nil {
		input["identity"] = map[string]any{
			"subject":     id.Leaf.Subject.String(),
			"issuer":      id.Leaf.Issuer.String(),
			"not_after":   id.Leaf.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
			"fingerprint": id.Fingerprint(),
		}
	}

	return input
}
