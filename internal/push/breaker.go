package push

import (
	"context"

	"pushfanout/internal/model"
	"pushfanout/pkg/circuitbreaker"
	"pushfanout/pkg/metrics"
)

// BreakerTransport 在下游持续失败时快速拒绝，避免每个 trigger 都等待超时
// 只有整批失败计入熔断，单个地址失败不影响
type BreakerTransport struct {
	next Transport
	cb   *circuitbreaker.CircuitBreaker
}

func NewBreakerTransport(next Transport, name string, cfg circuitbreaker.Config) *BreakerTransport {
	cfg.OnStateChange = func(_, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(name, int(to))
	}
	metrics.SetCircuitBreakerState(name, int(circuitbreaker.StateClosed))
	return &BreakerTransport{next: next, cb: circuitbreaker.NewCircuitBreaker(cfg)}
}

func (t *BreakerTransport) Send(ctx context.Context, addresses []string, n model.Notification) ([]Result, error) {
	var results []Result
	err := t.cb.Execute(func() error {
		var sendErr error
		results, sendErr = t.next.Send(ctx, addresses, n)
		return sendErr
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// State 当前熔断状态，供健康检查展示
func (t *BreakerTransport) State() circuitbreaker.State {
	return t.cb.GetState()
}
