package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/observability/alerting"
	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/pkg/logger"
)

// BatchStatus 表示批次状态。
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// ItemResult 是批次中单笔付款的执行结果。
type ItemResult struct {
	PaymentID string       `json:"payment_id"`
	Success   bool         `json:"success"`
	Code      xerrors.Code `json:"code,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Batch 是一组相互独立、尽力执行的付款。
type Batch struct {
	ID           string         `json:"id"`
	Submitter    common.Address `json:"submitter"`
	PaymentIDs   []string       `json:"payment_ids"`
	Status       BatchStatus    `json:"status"`
	Results      []ItemResult   `json:"results,omitempty"`
	SuccessCount int            `json:"success_count"`
	FailCount    int            `json:"fail_count"`
	CreatedAt    int64          `json:"created_at"`
	ExecutedAt   int64          `json:"executed_at,omitempty"`
}

// BatchResult 汇总一次批次执行。
type BatchResult struct {
	BatchID      string       `json:"batch_id"`
	Status       BatchStatus  `json:"status"`
	SuccessCount int          `json:"success_count"`
	FailCount    int          `json:"fail_count"`
	Results      []ItemResult `json:"results"`
}

// CreateBatch 登记 1 到 100 笔付款，状态为 Pending。
func (e *Engine) CreateBatch(ctx context.Context, caller common.Address, paymentIDs []string) (b *Batch, err error) {
	defer func() { metrics.ObserveOperation("settlement", "create_batch", err) }()

	if len(paymentIDs) == 0 || len(paymentIDs) > MaxBatchSize {
		return nil, xerrors.New(CodeInvalidBatch, fmt.Sprintf("Batch size must be between 1 and %d", MaxBatchSize))
	}
	ids := make([]string, len(paymentIDs))
	for i, id := range paymentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, xerrors.New(CodeInvalidBatch, "Empty payment id")
		}
		ids[i] = id
	}

	now := e.now()
	batch := &Batch{
		ID:         newEntityID("batch", caller, now),
		Submitter:  caller,
		PaymentIDs: ids,
		Status:     BatchPending,
		CreatedAt:  now.Unix(),
	}
	if err := e.batches.Insert(ctx, batch.ID, batch, caller.Hex()); err != nil {
		return nil, err
	}
	return batch, nil
}

// ExecuteBatch 按顺序执行批次中的每笔付款。单笔失败只记录结果，不中断批次；批次只能执行一次。
func (e *Engine) ExecuteBatch(ctx context.Context, caller common.Address, id string) (res *BatchResult, err error) {
	defer func() { metrics.ObserveOperation("settlement", "execute_batch", err) }()

	unlock, err := e.lock(ctx, store.KindBatch, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	batch, err := e.batches.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if caller != batch.Submitter {
		return nil, ErrNotAuthorized
	}
	if batch.Status != BatchPending {
		return nil, ErrInvalidStatus
	}
	batch.Status = BatchProcessing
	if err := e.batches.Update(ctx, id, batch); err != nil {
		return nil, err
	}

	// 批次一旦开始就执行到底，不受调用方取消影响。
	runCtx := context.WithoutCancel(ctx)
	results := make([]ItemResult, 0, len(batch.PaymentIDs))
	for _, paymentID := range batch.PaymentIDs {
		results = append(results, e.executeItem(runCtx, batch.Submitter, paymentID))
	}

	batch.Results = results
	batch.SuccessCount, batch.FailCount = 0, 0
	for _, r := range results {
		if r.Success {
			batch.SuccessCount++
		} else {
			batch.FailCount++
		}
	}
	batch.Status = BatchCompleted
	if batch.FailCount > 0 {
		batch.Status = BatchFailed
	}
	batch.ExecutedAt = e.now().Unix()
	result := &BatchResult{
		BatchID:      id,
		Status:       batch.Status,
		SuccessCount: batch.SuccessCount,
		FailCount:    batch.FailCount,
		Results:      results,
	}
	metrics.ObserveBatch(batch.SuccessCount, batch.FailCount)
	if err := e.batches.Update(runCtx, id, batch); err != nil {
		return result, e.batchNotSaved(runCtx, batch, err)
	}

	logger.Audit().Info("batch_executed",
		slog.String("batch_id", id),
		slog.String("status", string(batch.Status)),
		slog.Int("success_count", batch.SuccessCount),
		slog.Int("fail_count", batch.FailCount),
	)
	return result, nil
}

// batchNotSaved 在付款已执行但批次结果写入失败时，把逐笔结果写入审计日志并发出告警。
// 批次记录停留在 Processing，需要人工按审计日志补录。
func (e *Engine) batchNotSaved(ctx context.Context, batch *Batch, cause error) error {
	outcomes := make([]string, 0, len(batch.Results))
	for _, r := range batch.Results {
		outcome := "ok"
		if !r.Success {
			outcome = string(r.Code)
		}
		outcomes = append(outcomes, r.PaymentID+"="+outcome)
		logger.Audit().Info("batch_item_result",
			slog.String("batch_id", batch.ID),
			slog.String("payment_id", r.PaymentID),
			slog.Bool("success", r.Success),
			slog.String("reason", r.Reason),
		)
	}
	e.log.Error("保存批次结果失败", slog.String("batch_id", batch.ID), slog.Any("error", cause))

	failed := xerrors.Wrap(xerrors.CodeStorageFailure, cause, "Batch results not persisted",
		xerrors.WithRetryable(false),
		xerrors.WithMetadata("batch_id", batch.ID),
		xerrors.WithMetadata("status", string(batch.Status)),
		xerrors.WithMetadata("success_count", strconv.Itoa(batch.SuccessCount)),
		xerrors.WithMetadata("fail_count", strconv.Itoa(batch.FailCount)),
		xerrors.WithMetadata("results", strings.Join(outcomes, ",")))
	alerting.Raise(ctx, e.alerts, alerting.FromError("batch", batch.ID, failed))
	return failed
}

func (e *Engine) executeItem(ctx context.Context, executor common.Address, paymentID string) ItemResult {
	if _, err := e.registry.Execute(ctx, executor, paymentID, nil); err != nil {
		e.log.Info("batch item failed", slog.String("payment_id", paymentID), slog.Any("error", err))
		return ItemResult{PaymentID: paymentID, Code: xerrors.CodeOf(err), Reason: xerrors.ReasonOf(err)}
	}
	return ItemResult{PaymentID: paymentID, Success: true}
}

// GetBatch 返回批次记录。
func (e *Engine) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := e.batches.Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}
