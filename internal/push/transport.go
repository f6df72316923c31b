package push

import (
	"context"
	"errors"

	"pushfanout/internal/model"
)

// Outcome 单个地址的投递结果
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// 可稍后重试，地址保留
	OutcomeTransientFailure
	// 地址已失效，应从接收者中移除
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Result 与 Send 的 addresses 一一对应
type Result struct {
	Address string
	Outcome Outcome
	Err     error
}

// Transport 把一条通知批量投递到多个设备地址
// 返回 error 表示整个批次未能发出；否则每个地址都有一条 Result
type Transport interface {
	Send(ctx context.Context, addresses []string, n model.Notification) ([]Result, error)
}

var ErrNoAddresses = errors.New("push transport: no addresses")

// Tally 统计各类结果的数量
func Tally(results []Result) (success, transient, permanent int) {
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeTransientFailure:
			transient++
		case OutcomePermanentFailure:
			permanent++
		}
	}
	return success, transient, permanent
}

// chunk 按 size 切分地址，FCM 单次 multicast 最多 500 个
func chunk(addresses []string, size int) [][]string {
	if size <= 0 {
		size = len(addresses)
	}
	var out [][]string
	for start := 0; start < len(addresses); start += size {
		end := start + size
		if end > len(addresses) {
			end = len(addresses)
		}
		out = append(out, addresses[start:end])
	}
	return out
}
