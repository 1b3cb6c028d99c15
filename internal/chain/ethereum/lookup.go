package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/internal/payment"
)

// escrowABI 只声明查询所需的事件。
const escrowABI = `[{"anonymous":false,"type":"event","name":"PaymentLocked","inputs":[
	{"indexed":true,"name":"identifier","type":"bytes32"},
	{"indexed":false,"name":"amount","type":"uint256"}]}]`

const paymentLockedEvent = "PaymentLocked"

// Config describes how to reach the escrow contract.
type Config struct {
	RPCURL          string
	ContractAddress string
	// LookbackBlocks bounds the FilterLogs range; zero scans from genesis.
	LookbackBlocks uint64
	// Unit is reported alongside every amount, e.g. "wei".
	Unit string
}

// LogReader mirrors the subset of ethclient.Client used for lookups.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
}

// Lookup implements payment.Lookup by reading PaymentLocked events.
type Lookup struct {
	reader   LogReader
	contract common.Address
	lookback uint64
	unit     string
	abi      abi.ABI
	topic    common.Hash

	mu     sync.Mutex
	closer func()
}

var _ payment.Lookup = (*Lookup)(nil)

// Dial connects to the configured RPC endpoint and returns a ready-to-use lookup.
func Dial(ctx context.Context, cfg Config) (*Lookup, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)
	lookup, err := NewLookup(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	lookup.closer = eth.Close
	return lookup, nil
}

// NewLookup wraps an existing reader, typically an *ethclient.Client.
func NewLookup(reader LogReader, cfg Config) (*Lookup, error) {
	if reader == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少链访问后端")
	}
	addr := strings.TrimSpace(cfg.ContractAddress)
	if !common.IsHexAddress(addr) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("托管合约地址无效: %q", addr))
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	return &Lookup{
		reader:   reader,
		contract: common.HexToAddress(addr),
		lookback: cfg.LookbackBlocks,
		unit:     cfg.Unit,
		abi:      parsed,
		topic:    parsed.Events[paymentLockedEvent].ID,
	}, nil
}

// Query 查找以 identifier 为索引主题的最早一条 PaymentLocked 事件。
func (l *Lookup) Query(ctx context.Context, identifier string) (payment.LookupResult, error) {
	raw, err := hexutil.Decode(identifier)
	if err != nil || len(raw) != common.HashLength {
		return payment.LookupResult{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("标识必须是 32 字节十六进制: %q", identifier))
	}
	idTopic := common.BytesToHash(raw)

	head, err := l.reader.BlockNumber(ctx)
	if err != nil {
		return payment.LookupResult{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "获取最新区块高度失败")
	}
	from := uint64(0)
	if l.lookback > 0 && head > l.lookback {
		from = head - l.lookback
	}

	logs, err := l.reader.FilterLogs(ctx, gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{l.contract},
		Topics:    [][]common.Hash{{l.topic}, {idTopic}},
	})
	if err != nil {
		return payment.LookupResult{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询合约事件失败")
	}

	for _, entry := range logs {
		if entry.Removed || len(entry.Topics) < 2 || entry.Topics[1] != idTopic {
			continue
		}
		amount, err := l.decodeAmount(entry.Data)
		if err != nil {
			return payment.LookupResult{}, err
		}
		confirmations := 0
		if head >= entry.BlockNumber {
			confirmations = int(head-entry.BlockNumber) + 1
		}
		return payment.LookupResult{
			Found:         true,
			Identifier:    idTopic.Hex(),
			Amount:        amount,
			Unit:          l.unit,
			Confirmations: confirmations,
			TransactionID: entry.TxHash.Hex(),
		}, nil
	}
	return payment.LookupResult{Found: false, Identifier: idTopic.Hex()}, nil
}

func (l *Lookup) decodeAmount(data []byte) (int64, error) {
	values, err := l.abi.Unpack(paymentLockedEvent, data)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析事件数据失败")
	}
	if len(values) != 1 {
		return 0, xerrors.New(xerrors.CodeUpstreamFailure, "事件数据字段数量不符")
	}
	amount, ok := values[0].(*big.Int)
	if !ok || amount == nil {
		return 0, xerrors.New(xerrors.CodeUpstreamFailure, "事件金额类型不符")
	}
	if !amount.IsInt64() {
		return 0, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("事件金额超出范围: %s", amount))
	}
	return amount.Int64(), nil
}

// Close releases the RPC connection when the lookup was created by Dial.
func (l *Lookup) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer != nil {
		l.closer()
		l.closer = nil
	}
}

// EventTopic returns the topic hash of PaymentLocked.
func EventTopic() common.Hash {
	return crypto.Keccak256Hash([]byte("PaymentLocked(bytes32,uint256)"))
}
