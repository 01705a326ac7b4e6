package job

import (
	stdErrors "errors"

	"github.com/ethereum/go-ethereum/common"

	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/lending"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次合约操作的执行结果。
type Result struct {
	Network         string   `json:"network"`
	Signer          string   `json:"signer"`
	TxHashes        []string `json:"tx_hashes"`
	BlockNumber     uint64   `json:"block_number,omitempty"`
	ExplorerURL     string   `json:"explorer_url,omitempty"`
	ContractAddress string   `json:"contract_address,omitempty"`
	OfferID         string   `json:"offer_id,omitempty"`
	EventFound      bool     `json:"event_found,omitempty"`
	Amount          string   `json:"amount,omitempty"`
}

// Job 描述一次排队执行的借贷合约操作。
type Job struct {
	ID         string            `json:"id"`
	Operation  lending.Operation `json:"operation"`
	Params     map[string]string `json:"params,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *Result           `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Finished 表示作业不会再被处理器领取。
func (j *Job) Finished() bool {
	if j == nil {
		return false
	}
	return j.Status == StatusSucceeded || (j.Status == StatusFailed && j.Attempts >= j.MaxRetries)
}

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示作业已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示作业的重试次数已经耗尽，或者失败不可重试。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindConfig,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsJobError 判断错误是否为指定的作业错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, candidate := range []error{ErrJobNotFound, ErrJobConflict, ErrJobCompleted, ErrJobExhausted} {
		if stdErrors.Is(err, candidate) {
			return xerrors.CodeOf(candidate) == target
		}
	}
	return false
}

// IsValidStatus 检查给定的作业状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// ResultFrom 将编排器结果转换为可持久化的作业结果。
func ResultFrom(res *lending.Result) Result {
	if res == nil {
		return Result{}
	}
	out := Result{
		Network:    res.Network,
		Signer:     res.Signer.Hex(),
		EventFound: res.EventFound,
	}
	for _, tx := range res.Transactions {
		out.TxHashes = append(out.TxHashes, tx.Hash.Hex())
	}
	if last, ok := res.LastTx(); ok {
		out.BlockNumber = last.BlockNumber
		out.ExplorerURL = last.ExplorerURL
	}
	if res.ContractAddress != (common.Address{}) {
		out.ContractAddress = res.ContractAddress.Hex()
	}
	if res.OfferID != nil {
		out.OfferID = res.OfferID.String()
	}
	if res.Amount != nil {
		out.Amount = res.Amount.String()
	}
	return out
}

func cloneParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	cloned := make(map[string]string, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Params = cloneParams(job.Params)
	if job.Result != nil {
		result := *job.Result
		result.TxHashes = append([]string(nil), job.Result.TxHashes...)
		clone.Result = &result
	}
	return &clone
}
