package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/pkg/logger"
)

// Registry 保存所有已注册的 agent，读多写少。
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// New 创建一个空的注册表。
func New() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register 注册新的 agent，id 重复或描述非法时返回错误。
func (r *Registry) Register(agent Agent) error {
	agent.ID = strings.TrimSpace(agent.ID)
	if agent.Status == "" {
		agent.Status = StatusActive
	}
	if err := agent.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.ID]; exists {
		return xerrors.New(CodeAgentDuplicate, "agent 已存在: "+agent.ID, xerrors.WithMetadata("agent_id", agent.ID))
	}
	r.agents[agent.ID] = agent.clone()
	r.order = append(r.order, agent.ID)

	logger.Audit().Info("agent 已注册",
		slog.String("agent_id", agent.ID),
		slog.Int64("price_amount", agent.Price.Amount),
		slog.String("price_unit", agent.Price.Unit),
		slog.String("status", string(agent.Status)))
	return nil
}

// Lookup 按 id 查询 agent。
func (r *Registry) Lookup(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return Agent{}, xerrors.New(CodeAgentNotFound, "agent 不存在: "+id, xerrors.WithMetadata("agent_id", id))
	}
	return agent.clone(), nil
}

// LookupActive 返回可接单的 agent，不存在或未上架时返回 ErrAgentUnavailable。
func (r *Registry) LookupActive(id string) (Agent, error) {
	agent, err := r.Lookup(id)
	if err != nil {
		return Agent{}, xerrors.New(CodeAgentUnavailable, "agent 不存在: "+id, xerrors.WithMetadata("agent_id", id))
	}
	if agent.Status != StatusActive {
		return Agent{}, xerrors.New(CodeAgentUnavailable, "agent 当前不可用: "+string(agent.Status),
			xerrors.WithMetadata("agent_id", id))
	}
	return agent, nil
}

// ListActive 按注册顺序返回所有 active 状态的 agent。
func (r *Registry) ListActive() []Agent {
	return r.filter(func(a Agent) bool { return a.Status == StatusActive })
}

// List 按注册顺序返回全部 agent。
func (r *Registry) List() []Agent {
	return r.filter(func(Agent) bool { return true })
}

// ListByCategory 返回指定分类下的 agent，分类比较忽略大小写。
func (r *Registry) ListByCategory(category string) []Agent {
	return r.filter(func(a Agent) bool { return strings.EqualFold(a.Category, category) })
}

// Categories 返回去重后按字母排序的分类列表。
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	categories := make([]string, 0)
	for _, id := range r.order {
		category := r.agents[id].Category
		if category == "" {
			continue
		}
		if _, ok := seen[category]; ok {
			continue
		}
		seen[category] = struct{}{}
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// SetStatus 修改 agent 的上架状态，其余字段保持不变。
func (r *Registry) SetStatus(id string, status Status) (Agent, error) {
	if !status.Valid() {
		return Agent{}, invalidAgent(id, "未知的 agent 状态: "+string(status))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return Agent{}, xerrors.New(CodeAgentNotFound, "agent 不存在: "+id, xerrors.WithMetadata("agent_id", id))
	}
	previous := agent.Status
	agent.Status = status
	r.agents[id] = agent

	logger.Audit().Info("agent 状态已变更",
		slog.String("agent_id", id),
		slog.String("from", string(previous)),
		slog.String("to", string(status)))
	return agent.clone(), nil
}

func (r *Registry) filter(keep func(Agent) bool) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		agent := r.agents[id]
		if keep(agent) {
			out = append(out, agent.clone())
		}
	}
	return out
}
