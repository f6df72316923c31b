package push

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"pushfanout/internal/model"
)

const fcmMaxBatch = 500

// FCMConfig Firebase Cloud Messaging 配置
type FCMConfig struct {
	ProjectID       string
	CredentialsFile string
	BatchSize       int
}

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMTransport 通过 FCM 投递 web push
type FCMTransport struct {
	client    multicastSender
	batchSize int
	logger    *zap.Logger
}

// NewFCMTransport extra 追加在凭据之后，可用于指定 endpoint 或 HTTP client
func NewFCMTransport(ctx context.Context, cfg FCMConfig, logger *zap.Logger, extra ...option.ClientOption) (*FCMTransport, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	opts = append(opts, extra...)

	var appCfg *firebase.Config
	if cfg.ProjectID != "" {
		appCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, appCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase messaging: %w", err)
	}

	logger.Info("FCM transport initialized",
		zap.String("project_id", cfg.ProjectID),
	)
	return newFCMTransport(client, cfg.BatchSize, logger), nil
}

func newFCMTransport(client multicastSender, batchSize int, logger *zap.Logger) *FCMTransport {
	if batchSize <= 0 || batchSize > fcmMaxBatch {
		batchSize = fcmMaxBatch
	}
	return &FCMTransport{client: client, batchSize: batchSize, logger: logger}
}

// Send 按批次调用 SendEachForMulticast。
// 第一个批次失败时返回 error（尚未发出任何消息）；之后的批次失败时，
// 该批次及剩余地址记为 transient，已发出的结果照常返回。
func (t *FCMTransport) Send(ctx context.Context, addresses []string, n model.Notification) ([]Result, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(addresses))
	batches := chunk(addresses, t.batchSize)

	for i, batch := range batches {
		resp, err := t.client.SendEachForMulticast(ctx, t.message(batch, n))
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("push transport: send multicast: %w", err)
			}
			t.logger.Warn("FCM batch failed after partial dispatch",
				zap.Int("batch", i),
				zap.Int("batches", len(batches)),
				zap.Error(err),
			)
			for _, rest := range batches[i:] {
				for _, addr := range rest {
					results = append(results, Result{Address: addr, Outcome: OutcomeTransientFailure, Err: err})
				}
			}
			return results, nil
		}

		results = append(results, batchResults(batch, resp)...)
	}

	return results, nil
}

// batchResults 把 BatchResponse 展开成逐地址结果。
// invalid-argument 既可能是地址无效也可能是消息本身有问题；
// 只有同批次里有地址发送成功，才把它当作地址问题回收。
func batchResults(batch []string, resp *messaging.BatchResponse) []Result {
	out := make([]Result, 0, len(batch))
	var invalid []int
	succeeded := 0
	for j, addr := range batch {
		if j >= len(resp.Responses) || resp.Responses[j] == nil {
			out = append(out, Result{Address: addr, Outcome: OutcomeTransientFailure, Err: fmt.Errorf("push transport: missing response")})
			continue
		}
		r := resp.Responses[j]
		if r.Success {
			succeeded++
			out = append(out, Result{Address: addr, Outcome: OutcomeSuccess})
			continue
		}
		if errorutils.IsInvalidArgument(r.Error) {
			invalid = append(invalid, len(out))
		}
		out = append(out, Result{Address: addr, Outcome: ClassifyFCMError(r.Error), Err: r.Error})
	}

	if succeeded > 0 {
		for _, i := range invalid {
			out[i].Outcome = OutcomePermanentFailure
		}
	}
	return out
}

func (t *FCMTransport) message(tokens []string, n model.Notification) *messaging.MulticastMessage {
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
	}
	// FCM 只接受 https 绝对链接；相对路径由 service worker 根据 data.url 处理
	if link := n.Data["url"]; strings.HasPrefix(link, "https://") {
		msg.Webpush = &messaging.WebpushConfig{
			FCMOptions: &messaging.WebpushFCMOptions{Link: link},
		}
	}
	return msg
}

// ClassifyFCMError 把 FCM 的单地址错误归类。
// 只有 unregistered 和 sender-id-mismatch 一定是地址失效，其它（包括 invalid-argument）按 transient 处理。
func ClassifyFCMError(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch {
	case messaging.IsUnregistered(err),
		messaging.IsSenderIDMismatch(err):
		return OutcomePermanentFailure
	default:
		return OutcomeTransientFailure
	}
}
