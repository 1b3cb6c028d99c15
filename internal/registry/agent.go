package registry

import (
	"strings"

	xerrors "THA-AgentHub/internal/errors"
)

// Status 表示智能体的上架状态。
type Status string

const (
	StatusActive      Status = "active"
	StatusMaintenance Status = "maintenance"
	StatusComingSoon  Status = "coming_soon"
)

// Valid 判断状态是否为支持的枚举值。
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusMaintenance, StatusComingSoon:
		return true
	default:
		return false
	}
}

// Price 描述智能体的单次调用价格，注册后不可变。
type Price struct {
	Amount int64  `json:"amount" yaml:"amount"`
	Unit   string `json:"unit" yaml:"unit"`
}

// Agent 是注册表中的智能体描述。
type Agent struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Category    string   `json:"category,omitempty" yaml:"category"`
	Tags        []string `json:"tags,omitempty" yaml:"tags"`
	Features    []string `json:"features,omitempty" yaml:"features"`
	Endpoint    string   `json:"-" yaml:"endpoint"`
	SellerVKey  string   `json:"sellerVKey,omitempty" yaml:"seller_vkey"`
	Price       Price    `json:"price" yaml:"price"`
	Schema      Schema   `json:"schema" yaml:"schema"`
	Status      Status   `json:"status" yaml:"status"`
}

func (a Agent) clone() Agent {
	out := a
	out.Tags = append([]string(nil), a.Tags...)
	out.Features = append([]string(nil), a.Features...)
	out.Schema = a.Schema.clone()
	return out
}

// validate 检查注册时必须满足的约束。
func (a Agent) validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return invalidAgent(a.ID, "agent id 不能为空")
	}
	if strings.TrimSpace(a.Endpoint) == "" {
		return invalidAgent(a.ID, "agent endpoint 不能为空")
	}
	if a.Price.Amount < 0 {
		return invalidAgent(a.ID, "价格不能为负数")
	}
	if strings.TrimSpace(a.Price.Unit) == "" {
		return invalidAgent(a.ID, "价格单位不能为空")
	}
	if !a.Status.Valid() {
		return invalidAgent(a.ID, "未知的 agent 状态: "+string(a.Status))
	}
	if len(a.Schema) == 0 {
		return invalidAgent(a.ID, "输入 schema 不能为空")
	}
	seen := make(map[string]struct{}, len(a.Schema))
	for _, field := range a.Schema {
		name := strings.TrimSpace(field.Name)
		if name == "" {
			return invalidAgent(a.ID, "schema 字段名不能为空")
		}
		if _, dup := seen[name]; dup {
			return invalidAgent(a.ID, "schema 字段重复: "+name)
		}
		seen[name] = struct{}{}
		if !field.Type.Valid() {
			return invalidAgent(a.ID, "schema 字段 "+name+" 使用了未知类型 "+string(field.Type))
		}
	}
	return nil
}

const (
	CodeAgentDuplicate   xerrors.Code = "AGENT_DUPLICATE"
	CodeAgentInvalid     xerrors.Code = "AGENT_INVALID"
	CodeAgentNotFound    xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentUnavailable xerrors.Code = "AGENT_UNAVAILABLE"
	CodeInputValidation  xerrors.Code = "INPUT_VALIDATION"
)

// MetaField 是输入校验错误中记录字段名的 metadata 键。
const MetaField = "field"

var (
	// ErrDuplicateAgent 表示 agent id 已被注册。
	ErrDuplicateAgent = xerrors.New(CodeAgentDuplicate, "agent already registered")
	// ErrInvalidAgent 表示 agent 描述不合法。
	ErrInvalidAgent = xerrors.New(CodeAgentInvalid, "invalid agent descriptor")
	// ErrAgentNotFound 表示注册表中不存在该 agent。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrAgentUnavailable 表示 agent 不存在或当前不可接单。
	ErrAgentUnavailable = xerrors.New(CodeAgentUnavailable, "agent unavailable")
	// ErrInputValidation 表示任务输入未通过 schema 校验。
	ErrInputValidation = xerrors.New(CodeInputValidation, "input validation failed")
)

func init() {
	xerrors.Register(CodeAgentDuplicate, xerrors.Attributes{
		Message:  "agent already registered",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentInvalid, xerrors.Attributes{
		Message:  "invalid agent descriptor",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentUnavailable, xerrors.Attributes{
		Message:  "agent unavailable",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInputValidation, xerrors.Attributes{
		Message:  "input validation failed",
		Severity: xerrors.SeverityInfo,
	})
}

func invalidAgent(id, message string) error {
	return xerrors.New(CodeAgentInvalid, message, xerrors.WithMetadata("agent_id", id))
}

func inputError(field, message string) error {
	return xerrors.New(CodeInputValidation, message, xerrors.WithMetadata(MetaField, field))
}
