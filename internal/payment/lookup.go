package payment

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"THA-AgentHub/internal/job"
)

// LookupResult 是链上查询服务对某个标识的查询结果。
type LookupResult struct {
	Found         bool   `json:"found"`
	Identifier    string `json:"identifier,omitempty"`
	Amount        int64  `json:"amount"`
	Unit          string `json:"unit,omitempty"`
	Confirmations int    `json:"confirmations"`
	TransactionID string `json:"transactionId,omitempty"`
}

// Lookup 抽象了按 blockchainIdentifier 查询托管付款的能力。
type Lookup interface {
	Query(ctx context.Context, identifier string) (LookupResult, error)
}

// LookupFunc 允许直接使用函数实现 Lookup。
type LookupFunc func(ctx context.Context, identifier string) (LookupResult, error)

// Query 实现 Lookup 接口。
func (f LookupFunc) Query(ctx context.Context, identifier string) (LookupResult, error) {
	return f(ctx, identifier)
}

// NewIdentifier 生成任务的链上关联标识：keccak256(jobID || purchaser || nonce)。
func NewIdentifier(jobID, purchaser string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	return crypto.Keccak256Hash([]byte(jobID), []byte(purchaser), nonce).Hex(), nil
}

// Request 描述一次需要等待确认的付款。
type Request struct {
	JobID      string
	Identifier string
	Amount     job.Amount
	PayByTime  time.Time
}

// RequestFor 从任务快照构造付款请求。
func RequestFor(j *job.Job) Request {
	return Request{
		JobID:      j.ID,
		Identifier: j.BlockchainIdentifier,
		Amount:     j.Price,
		PayByTime:  j.PayByTime,
	}
}
