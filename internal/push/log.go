package push

import (
	"context"

	"go.uber.org/zap"

	"pushfanout/internal/model"
	"pushfanout/pkg/util"
)

// LogTransport 只记录日志、全部返回成功，用于本地开发
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, addresses []string, n model.Notification) ([]Result, error) {
	results := make([]Result, 0, len(addresses))
	for _, addr := range addresses {
		t.logger.Info("push (dry-run)",
			zap.String("address_fp", util.Fingerprint(addr)),
			zap.String("title", n.Title),
			zap.String("url", n.Data["url"]),
		)
		results = append(results, Result{Address: addr, Outcome: OutcomeSuccess})
	}
	return results, nil
}
