package module

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
)

// ID 模块标识（会话的判别字段）
type ID string

const (
	LateralMovement ID = "LATERAL_MOVEMENT"
	GrabAndReachOut ID = "GAME2"
)

// String 实现字符串接口
func (id ID) String() string {
	return string(id)
}

var (
	// ErrUnknownModule 模块未注册
	ErrUnknownModule = errors.New("unknown module")
	// ErrInvalidModuleData 参数或指标不符合模块定义
	ErrInvalidModuleData = errors.New("invalid module data")
)

// Params 模块参数记录，创建会话时写入且之后不可变
type Params interface {
	ModuleID() ID
}

// Metrics 引擎上报的模块指标记录
type Metrics interface {
	ModuleID() ID
	TotalScore() int
}

// normalizer 解码后对记录做归一化（大小写、空切片等）
type normalizer interface {
	normalize()
}

// Definition 单个模块的参数/指标定义
type Definition struct {
	ID            ID
	Name          string
	ParamsTable   string
	MetricsTable  string
	ParamsSchema  Schema
	MetricsSchema Schema

	newParams  func() Params
	newMetrics func() Metrics

	params  *compiledSchema
	metrics *compiledSchema
}

// ParamsJSONSchema 参数负载的 JSON Schema
func (d *Definition) ParamsJSONSchema() *jsonschema.Schema {
	return d.ParamsSchema.JSONSchema()
}

// MetricsJSONSchema 指标负载的 JSON Schema
func (d *Definition) MetricsJSONSchema() *jsonschema.Schema {
	return d.MetricsSchema.JSONSchema()
}

// ValidationError 模块数据校验失败，Field 为第一个失败的字段路径
type ValidationError struct {
	Module ID
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("module %s: %s", e.Module, e.Reason)
	}
	return fmt.Sprintf("module %s: field %s: %s", e.Module, e.Field, e.Reason)
}

// Is 使 errors.Is(err, ErrInvalidModuleData) 成立
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidModuleData
}

// Registry 模块注册表，进程启动时固定
type Registry struct {
	defs map[ID]*Definition
}

// NewRegistry 创建注册表，字段定义无法解析为 JSON Schema 时 panic
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[ID]*Definition, len(defs))}
	for _, def := range defs {
		def.params = mustCompile(def.ID, def.ParamsSchema)
		def.metrics = mustCompile(def.ID, def.MetricsSchema)
		r.defs[def.ID] = def
	}
	return r
}

// DefaultRegistry 返回包含全部内置模块的注册表
func DefaultRegistry() *Registry {
	return NewRegistry(lateralMovementDefinition(), grabAndReachOutDefinition())
}

// Lookup 按模块标识查找定义
func (r *Registry) Lookup(id ID) (*Definition, error) {
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, id)
	}
	return def, nil
}

// Modules 按标识排序返回所有模块定义
func (r *Registry) Modules() []*Definition {
	defs := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// ParseParams 校验并构造模块参数记录
func (r *Registry) ParseParams(id ID, raw json.RawMessage) (Params, error) {
	def, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	p := def.newParams()
	if err := decode(id, def.params, raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseMetrics 校验并构造模块指标记录
func (r *Registry) ParseMetrics(id ID, raw json.RawMessage) (Metrics, error) {
	def, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	m := def.newMetrics()
	if err := decode(id, def.metrics, raw, m); err != nil {
		return nil, err
	}
	return m, nil
}

func decode(id ID, schema *compiledSchema, raw json.RawMessage, dst any) error {
	if err := schema.check(id, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ValidationError{Module: id, Reason: err.Error()}
	}
	if n, ok := dst.(normalizer); ok {
		n.normalize()
	}
	return nil
}
