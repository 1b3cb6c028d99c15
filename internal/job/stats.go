package job

import "time"

// Stats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int        `json:"total"`
	AwaitingPayment int        `json:"awaitingPayment"`
	Running         int        `json:"running"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	Cancelled       int        `json:"cancelled"`
	Expired         int        `json:"expired"`
	OldestCreatedAt *time.Time `json:"oldestCreatedAt,omitempty"`
	NewestCreatedAt *time.Time `json:"newestCreatedAt,omitempty"`
}

func (s *Stats) add(j *Job) {
	s.Total++
	switch j.Status {
	case StatusAwaitingPayment:
		s.AwaitingPayment++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	case StatusExpired:
		s.Expired++
	}
	created := j.CreatedAt
	if s.OldestCreatedAt == nil || created.Before(*s.OldestCreatedAt) {
		s.OldestCreatedAt = &created
	}
	if s.NewestCreatedAt == nil || created.After(*s.NewestCreatedAt) {
		newest := created
		s.NewestCreatedAt = &newest
	}
}
