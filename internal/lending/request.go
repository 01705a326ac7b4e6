package lending

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "P2PLend-Chain/internal/errors"
)

// Operation names one transaction flow.
type Operation string

const (
	OpDeploy      Operation = "deploy"
	OpApprove     Operation = "approve"
	OpCreateOffer Operation = "create-offer"
	OpTakeLoan    Operation = "take-loan"
	OpRepay       Operation = "repay"
	OpWithdraw    Operation = "withdraw"
)

// Operations lists every flow accepted by Execute.
func Operations() []Operation {
	return []Operation{OpDeploy, OpApprove, OpCreateOffer, OpTakeLoan, OpRepay, OpWithdraw}
}

// ParseOperation validates an operation name.
func ParseOperation(name string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Operations() {
		if op == known {
			return op, nil
		}
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown operation %q", name),
		xerrors.WithMetadata("operation", name))
}

// Request carries the inputs of one flow. Zero fields are filled from the
// orchestrator defaults.
type Request struct {
	Operation Operation
	// JobID links journal entries to an asynchronous job, if any.
	JobID string

	Amount      string
	Spender     common.Address
	Principal   string
	InterestBps *uint64
	Duration    *time.Duration
	OfferID     *big.Int
}

// Defaults are the operation parameters used when a request leaves them
// unset.
type Defaults struct {
	ApproveAmount string
	Spender       common.Address
	Principal     string
	InterestBps   uint64
	Duration      time.Duration
	OfferID       uint64
}

// Job parameter keys understood by RequestFromParams.
const (
	ParamAmount      = "amount"
	ParamSpender     = "spender"
	ParamPrincipal   = "principal"
	ParamInterestBps = "interest_bps"
	ParamDuration    = "duration"
	ParamOfferID     = "offer_id"
)

// RequestFromParams builds a request from string parameters, as submitted
// through the job API.
func RequestFromParams(op Operation, params map[string]string) (Request, error) {
	req := Request{Operation: op}
	for key, raw := range params {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		switch key {
		case ParamAmount:
			req.Amount = value
		case ParamPrincipal:
			req.Principal = value
		case ParamSpender:
			if !common.IsHexAddress(value) {
				return Request{}, invalidParam(key, "not a hex address")
			}
			req.Spender = common.HexToAddress(value)
		case ParamInterestBps:
			bps, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Request{}, invalidParam(key, "not an unsigned integer")
			}
			req.InterestBps = &bps
		case ParamDuration:
			d, err := ParseDuration(value)
			if err != nil {
				return Request{}, invalidParam(key, err.Error())
			}
			req.Duration = &d
		case ParamOfferID:
			id, ok := new(big.Int).SetString(value, 10)
			if !ok || id.Sign() < 0 {
				return Request{}, invalidParam(key, "not an unsigned integer")
			}
			req.OfferID = id
		default:
			return Request{}, invalidParam(key, "unknown parameter")
		}
	}
	return req, nil
}

// Params renders the request back into job parameters.
func (r Request) Params() map[string]string {
	params := make(map[string]string)
	if r.Amount != "" {
		params[ParamAmount] = r.Amount
	}
	if r.Spender != (common.Address{}) {
		params[ParamSpender] = r.Spender.Hex()
	}
	if r.Principal != "" {
		params[ParamPrincipal] = r.Principal
	}
	if r.InterestBps != nil {
		params[ParamInterestBps] = strconv.FormatUint(*r.InterestBps, 10)
	}
	if r.Duration != nil {
		params[ParamDuration] = strconv.FormatInt(int64(*r.Duration/time.Second), 10)
	}
	if r.OfferID != nil {
		params[ParamOfferID] = r.OfferID.String()
	}
	return params
}

// maxDurationSeconds is the largest whole number of seconds a time.Duration
// holds.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// ParseDuration accepts a Go duration ("720h") or a plain number of seconds
// ("2592000"). The result is always positive.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs <= 0 || secs > maxDurationSeconds {
			return 0, fmt.Errorf("duration %q must be between 1 and %d seconds", value, maxDurationSeconds)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("duration %q is neither seconds nor a Go duration", value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", value)
	}
	return d, nil
}

func (r Request) withDefaults(d Defaults) Request {
	if r.Amount == "" {
		r.Amount = d.ApproveAmount
	}
	if r.Spender == (common.Address{}) {
		r.Spender = d.Spender
	}
	if r.Principal == "" {
		r.Principal = d.Principal
	}
	if r.InterestBps == nil {
		bps := d.InterestBps
		r.InterestBps = &bps
	}
	if r.Duration == nil {
		duration := d.Duration
		r.Duration = &duration
	}
	if r.OfferID == nil {
		r.OfferID = new(big.Int).SetUint64(d.OfferID)
	}
	return r
}

func invalidParam(key, message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("parameter %s: %s", key, message),
		xerrors.WithMetadata("param", key))
}
