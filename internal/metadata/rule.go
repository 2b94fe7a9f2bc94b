package metadata

// Rule is a write-time validation rule attached to an entity.
//
// Field rules check one value (min, max, min_length, max_length, pattern).
// Expression rules are expr-lang programs evaluated against
// {record, old, action}; a true result is a violation.
type Rule struct {
	Type       string `mapstructure:"type" json:"type"` // "field" or "expression"
	Field      string `mapstructure:"field" json:"field,omitempty"`
	Operator   string `mapstructure:"operator" json:"operator,omitempty"`
	Value      any    `mapstructure:"value" json:"value,omitempty"`
	Expression string `mapstructure:"expression" json:"expression,omitempty"`
	Message    string `mapstructure:"message" json:"message,omitempty"`
	StopOnFail bool   `mapstructure:"stop_on_fail" json:"stop_on_fail,omitempty"`
}

var fieldRuleOperators = map[string]bool{
	"min":        true,
	"max":        true,
	"min_length": true,
	"max_length": true,
	"pattern":    true,
}
