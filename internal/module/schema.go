package module

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Kind 字段类型，取值即 JSON Schema 的 type 关键字
type Kind string

const (
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBool    Kind = "boolean"
	KindString  Kind = "string"
	KindArray   Kind = "array"
)

// Constraint 字段取值约束
type Constraint int

const (
	NoConstraint Constraint = iota
	Positive
	NonNegative
	NonEmpty
)

// Field 单个字段定义
type Field struct {
	Name       string
	Kind       Kind
	Required   bool
	Constraint Constraint
	OneOf      []string
	Elem       Schema
}

// Schema 有序字段列表，按声明顺序校验，保证"第一个失败字段"确定
type Schema []Field

// JSONSchema 生成等价的 JSON Schema 文档
func (s Schema) JSONSchema() *jsonschema.Schema {
	out := &jsonschema.Schema{
		Type:                 "object",
		Properties:           make(map[string]*jsonschema.Schema, len(s)),
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
	for _, f := range s {
		prop := &jsonschema.Schema{Type: string(f.Kind)}
		if rule := f.rule(); rule != nil {
			prop.AllOf = []*jsonschema.Schema{rule}
		}
		if f.Kind == KindArray {
			prop.Items = f.Elem.JSONSchema()
		}
		out.Properties[f.Name] = prop
		if f.Required {
			out.Required = append(out.Required, f.Name)
		}
	}
	return out
}

// rule 字段约束对应的子 schema，无约束时返回 nil
func (f Field) rule() *jsonschema.Schema {
	var rules []*jsonschema.Schema
	switch f.Constraint {
	case Positive:
		rules = append(rules, &jsonschema.Schema{ExclusiveMinimum: ptr(0.0)})
	case NonNegative:
		rules = append(rules, &jsonschema.Schema{Minimum: ptr(0.0)})
	case NonEmpty:
		rules = append(rules, &jsonschema.Schema{Pattern: `\S`})
	}
	if len(f.OneOf) > 0 {
		quoted := make([]string, len(f.OneOf))
		for i, opt := range f.OneOf {
			quoted[i] = regexp.QuoteMeta(opt)
		}
		rules = append(rules, &jsonschema.Schema{Pattern: `^\s*(?i:` + strings.Join(quoted, "|") + `)\s*$`})
	}

	switch len(rules) {
	case 0:
		return nil
	case 1:
		return rules[0]
	default:
		return &jsonschema.Schema{AllOf: rules}
	}
}

func (f Field) reason() string {
	switch {
	case len(f.OneOf) > 0:
		return fmt.Sprintf("must be one of %s", strings.Join(f.OneOf, ", "))
	case f.Constraint == Positive:
		return "must be greater than zero"
	case f.Constraint == NonNegative:
		return "must not be negative"
	case f.Constraint == NonEmpty:
		return "must not be empty"
	}
	return "is invalid"
}

// compiledField 已解析的字段校验器
type compiledField struct {
	Field
	typ  *jsonschema.Resolved
	rule *jsonschema.Resolved
	elem *compiledSchema
}

// compiledSchema 已解析的有序字段校验器
type compiledSchema struct {
	fields []compiledField
	known  map[string]struct{}
}

func (s Schema) compile() (*compiledSchema, error) {
	c := &compiledSchema{
		fields: make([]compiledField, 0, len(s)),
		known:  make(map[string]struct{}, len(s)),
	}
	for _, f := range s {
		cf := compiledField{Field: f}
		var err error
		if cf.typ, err = (&jsonschema.Schema{Type: string(f.Kind)}).Resolve(nil); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		if rule := f.rule(); rule != nil {
			if cf.rule, err = rule.Resolve(nil); err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		if f.Kind == KindArray {
			if cf.elem, err = f.Elem.compile(); err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		c.fields = append(c.fields, cf)
		c.known[f.Name] = struct{}{}
	}
	return c, nil
}

func mustCompile(id ID, s Schema) *compiledSchema {
	c, err := s.compile()
	if err != nil {
		panic(fmt.Sprintf("module %s: %v", id, err))
	}
	return c
}

// check 校验原始 JSON 负载是否满足定义
func (c *compiledSchema) check(id ID, raw json.RawMessage) error {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return &ValidationError{Module: id, Reason: "malformed JSON object"}
	}
	return c.checkValue(id, "", instance)
}

func (c *compiledSchema) checkValue(id ID, prefix string, instance any) error {
	fields, ok := instance.(map[string]any)
	if !ok {
		return &ValidationError{Module: id, Field: strings.TrimSuffix(prefix, "."), Reason: "must be a JSON object"}
	}

	for _, f := range c.fields {
		path := prefix + f.Name
		value, ok := fields[f.Name]
		if !ok || value == nil {
			if f.Required {
				return &ValidationError{Module: id, Field: path, Reason: "is required"}
			}
			continue
		}
		if err := f.typ.Validate(value); err != nil {
			return &ValidationError{Module: id, Field: path, Reason: "must be of type " + string(f.Kind)}
		}
		if f.rule != nil {
			if err := f.rule.Validate(value); err != nil {
				return &ValidationError{Module: id, Field: path, Reason: f.reason()}
			}
		}
		if f.elem != nil {
			for i, item := range value.([]any) {
				if err := f.elem.checkValue(id, fmt.Sprintf("%s[%d].", path, i), item); err != nil {
					return err
				}
			}
		}
	}

	var unknown []string
	for name := range fields {
		if _, ok := c.known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ValidationError{Module: id, Field: prefix + unknown[0], Reason: "is not defined for this module"}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
