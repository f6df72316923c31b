package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pushfanout/internal/push"
	"pushfanout/pkg/logger"
	"pushfanout/pkg/metrics"
	"pushfanout/pkg/util"
)

// AddressInvalidator 一次原子写入清空一组地址
type AddressInvalidator interface {
	InvalidateAddresses(ctx context.Context, addresses []string) (int64, error)
}

// Reconciler 把永久失败的地址从接收者中移除；暂时失败的地址保持不动
type Reconciler struct {
	recipients AddressInvalidator
	logger     *zap.Logger
}

func New(recipients AddressInvalidator, logger *zap.Logger) *Reconciler {
	return &Reconciler{recipients: recipients, logger: logger}
}

// Reconcile 返回被关闭的接收者数量
func (r *Reconciler) Reconcile(ctx context.Context, results []push.Result) (int64, error) {
	invalid := PermanentAddresses(results)
	if len(invalid) == 0 {
		return 0, nil
	}

	n, err := r.recipients.InvalidateAddresses(ctx, invalid)
	if err != nil {
		return 0, fmt.Errorf("invalidate %d addresses: %w", len(invalid), err)
	}
	metrics.AddTokensReconciled(n)

	fps := make([]string, len(invalid))
	for i, a := range invalid {
		fps[i] = util.Fingerprint(a)
	}
	logger.WithTrace(ctx, r.logger).Info("Invalid push addresses removed",
		zap.Int("addresses", len(invalid)),
		zap.Int64("recipients", n),
		zap.Strings("address_fps", fps),
	)
	return n, nil
}

// PermanentAddresses 提取永久失败的地址，保持首次出现顺序并去重
func PermanentAddresses(results []push.Result) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, res := range results {
		if res.Outcome != push.OutcomePermanentFailure || res.Address == "" {
			continue
		}
		if _, ok := seen[res.Address]; ok {
			continue
		}
		seen[res.Address] = struct{}{}
		out = append(out, res.Address)
	}
	return out
}
