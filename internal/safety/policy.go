package safety

import (
	"fmt"
	"os"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Duration parses "250ms"/"30s" style YAML scalars.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a stdlib time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Severity classifies a policy breach.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// CapabilityPolicy is the bound table entry for one capability.
// Read-only to the core; loaded by the external config collaborator.
type CapabilityPolicy struct {
	// Mode is the control mode this capability requires ownership of.
	Mode string `yaml:"mode"`

	// Static bounds enforced by the compile guard.
	MaxSpeed    float64  `yaml:"max_speed"`
	MaxTorque   float64  `yaml:"max_torque"`
	MaxDuration Duration `yaml:"max_duration"`

	// Per-command timeout must fall inside [TimeoutMin, TimeoutMax].
	TimeoutMin Duration `yaml:"timeout_min"`
	TimeoutMax Duration `yaml:"timeout_max"`

	// BreachSeverity selects the emergency response class.
	BreachSeverity Severity `yaml:"breach_severity"`

	// ExecRules are CEL expressions over live telemetry, evaluated continuously
	// during Monitoring. A false result is a breach.
	ExecRules []string `yaml:"exec_rules"`

	// Postconditions are CEL expressions over the final telemetry snapshot,
	// evaluated during Verifying. A false result routes to Recovering.
	Postconditions []string `yaml:"postconditions"`
}

// ModeSpec declares the arbitration class of a mode.
type ModeSpec struct {
	Class string `yaml:"class"` // "command", "stream", or "auxiliary"
}

// Policy is the full safety-policy document.
type Policy struct {
	Capabilities map[string]CapabilityPolicy `yaml:"capabilities"`
	Modes        map[string]ModeSpec         `yaml:"modes"`

	// DefaultSeverity applies when a capability omits breach_severity.
	DefaultSeverity Severity `yaml:"default_severity"`

	// compiled CEL programs, keyed by capability
	execPrograms map[string][]cel.Program
	postPrograms map[string][]cel.Program
}

// LoadPolicyFile reads and compiles the safety-policy document.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy document: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses the YAML document and compiles every rule expression.
// Compilation failures are load-time errors so a malformed rule can never be
// silently skipped at execution time.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	if p.DefaultSeverity == "" {
		p.DefaultSeverity = SeverityMajor
	}

	env, err := newRuleEnv()
	if err != nil {
		return nil, err
	}

	p.execPrograms = make(map[string][]cel.Program)
	p.postPrograms = make(map[string][]cel.Program)

	for name, cap := range p.Capabilities {
		for _, rule := range cap.ExecRules {
			prg, err := compileRule(env, rule)
			if err != nil {
				return nil, fmt.Errorf("capability %s exec rule %q: %w", name, rule, err)
			}
			p.execPrograms[name] = append(p.execPrograms[name], prg)
		}
		for _, rule := range cap.Postconditions {
			prg, err := compileRule(env, rule)
			if err != nil {
				return nil, fmt.Errorf("capability %s postcondition %q: %w", name, rule, err)
			}
			p.postPrograms[name] = append(p.postPrograms[name], prg)
		}
	}

	return &p, nil
}

// ForCapability returns the bound table entry for the capability.
func (p *Policy) ForCapability(name string) (CapabilityPolicy, bool) {
	cap, ok := p.Capabilities[name]
	if ok && cap.BreachSeverity == "" {
		cap.BreachSeverity = p.DefaultSeverity
	}
	return cap, ok
}

// ModeClass returns the declared class of a mode, defaulting to auxiliary.
func (p *Policy) ModeClass(mode string) string {
	if spec, ok := p.Modes[mode]; ok && spec.Class != "" {
		return spec.Class
	}
	return "auxiliary"
}

// newRuleEnv builds the CEL environment shared by every rule: `telemetry` is
// the latest metric snapshot, `params` the command parameters.
func newRuleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("telemetry", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("params", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}
	return env, nil
}

func compileRule(env *cel.Env, rule string) (cel.Program, error) {
	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule must evaluate to bool, got %v", ast.OutputType())
	}
	return env.Program(ast)
}

// evalRule runs one compiled rule against the snapshot. Evaluation errors
// (e.g. a referenced metric absent from the snapshot) count as rule failure:
// the gate fails closed.
func evalRule(prg cel.Program, telemetry map[string]float64, params map[string]any) bool {
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"telemetry": telemetry,
		"params":    params,
	})
	if err != nil {
		return false
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok
}
