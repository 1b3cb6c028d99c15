package job

import "context"

// Store 抽象了任务状态的持久化接口。任务一经创建便不会被删除。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Apply 以 CAS 方式执行状态转换，当前状态与转换的源状态不一致时返回 ErrConcurrencyConflict。
	Apply(ctx context.Context, id string, t Transition) (*Job, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
