package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// FieldType 是 schema 字段允许的取值类型。
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Valid 判断字段类型是否受支持。
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	default:
		return false
	}
}

// Field 是 schema 中的单个有序字段。
type Field struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum"`
	Minimum     *float64  `json:"minimum,omitempty" yaml:"minimum"`
	Maximum     *float64  `json:"maximum,omitempty" yaml:"maximum"`
}

// Schema 是 agent 声明的有序输入字段列表。
type Schema []Field

func (s Schema) clone() Schema {
	if s == nil {
		return nil
	}
	out := make(Schema, len(s))
	for i, f := range s {
		out[i] = f
		out[i].Enum = append([]string(nil), f.Enum...)
	}
	return out
}

// Validate 按字段顺序校验输入，返回的错误通过 metadata 指出出错字段。
func (s Schema) Validate(input map[string]any) error {
	declared := make(map[string]struct{}, len(s))
	for _, field := range s {
		declared[field.Name] = struct{}{}
		value, present := input[field.Name]
		if !present || value == nil {
			if field.Required {
				return inputError(field.Name, fmt.Sprintf("缺少必填字段 %q", field.Name))
			}
			continue
		}
		if err := field.check(value); err != nil {
			return err
		}
	}

	unknown := make([]string, 0)
	for name := range input {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return inputError(unknown[0], fmt.Sprintf("未声明的字段 %q", unknown[0]))
	}
	return nil
}

func (f Field) check(value any) error {
	switch f.Type {
	case TypeString:
		str, ok := value.(string)
		if !ok {
			return f.typeMismatch(value)
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, str) {
			return inputError(f.Name, fmt.Sprintf("字段 %q 的取值 %q 不在允许范围内", f.Name, str))
		}
	case TypeNumber, TypeInteger:
		num, ok := toFloat(value)
		if !ok {
			return f.typeMismatch(value)
		}
		if f.Type == TypeInteger && num != math.Trunc(num) {
			return inputError(f.Name, fmt.Sprintf("字段 %q 需要整数", f.Name))
		}
		if f.Minimum != nil && num < *f.Minimum {
			return inputError(f.Name, fmt.Sprintf("字段 %q 小于最小值 %v", f.Name, *f.Minimum))
		}
		if f.Maximum != nil && num > *f.Maximum {
			return inputError(f.Name, fmt.Sprintf("字段 %q 大于最大值 %v", f.Name, *f.Maximum))
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return f.typeMismatch(value)
		}
	case TypeObject:
		if _, ok := value.(map[string]any); !ok {
			return f.typeMismatch(value)
		}
	case TypeArray:
		if _, ok := value.([]any); !ok {
			return f.typeMismatch(value)
		}
	default:
		return inputError(f.Name, fmt.Sprintf("字段 %q 声明了未知类型 %q", f.Name, f.Type))
	}
	return nil
}

func (f Field) typeMismatch(value any) error {
	return inputError(f.Name, fmt.Sprintf("字段 %q 需要 %s 类型，实际为 %T", f.Name, f.Type, value))
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
