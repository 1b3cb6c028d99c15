// Package orchestrator 实现付费任务的状态机：创建任务、响应付款校验结果、
// 调度 Agent 后端并记录最终结果。所有状态写入都通过 job.Store 的比较并交换完成。
package orchestrator
