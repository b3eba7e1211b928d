package upload

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/beamup-io/beamup/upload/network"
	"github.com/beamup-io/beamup/upload/plan"
	"github.com/beamup-io/beamup/upload/scheduler"
)

// Params describes one upload session. ChunkSize must be a power of two in
// [256 KiB, 16 MiB]; Concurrency is capped at 8 workers.
type Params struct {
	Filename    string               `validate:"required"`
	MimeType    string               `validate:"-"`
	TotalSize   int64                `validate:"min=0,max=10737418240"`
	ChunkSize   int64                `validate:"chunksize"`
	Concurrency int                  `validate:"min=1,max=8"`
	AutoTune    bool                 `validate:"-"`
	Provider    network.ProviderKind `validate:"oneof=s3 google_drive gcs"`
}

var paramsValidator = newParamsValidator()

func newParamsValidator() *validator.Validate {
	v := validator.New()
	// Errors from RegisterValidation only fire on duplicate names or nil
	// functions; neither can happen here.
	_ = v.RegisterValidation("chunksize", func(fl validator.FieldLevel) bool {
		return plan.IsValidChunkSize(fl.Field().Int())
	})
	return v
}

// Validate checks the parameters and classifies violations as validation
// errors, which are fatal and never retried.
func (p Params) Validate() error {
	if err := paramsValidator.Struct(p); err != nil {
		return network.NewError(network.KindValidation, fmt.Sprintf("invalid session parameters: %v", err), err)
	}
	n := (p.TotalSize + p.ChunkSize - 1) / p.ChunkSize
	if n > network.MaxChunkCount {
		return network.NewError(network.KindValidation,
			fmt.Sprintf("plan of %d chunks exceeds the %d limit, use a bigger chunk size", n, network.MaxChunkCount), nil)
	}
	return nil
}

// Options tunes controller internals. The zero value uses the defaults;
// tests shrink the delays.
type Options struct {
	// RetryPolicy overrides the chunk retry policy.
	RetryPolicy *scheduler.Policy
	// HungThreshold enables hung-transfer detection when positive.
	HungThreshold time.Duration
	// HashWorkers sizes the background digest pool.
	HashWorkers int
	// LifecycleRetryWait is the pause between initialize/finalize retry
	// attempts.
	LifecycleRetryWait time.Duration
}

const defaultLifecycleRetryWait = 2 * time.Second

func (o Options) policy() scheduler.Policy {
	if o.RetryPolicy != nil {
		return *o.RetryPolicy
	}
	return scheduler.DefaultPolicy()
}

func (o Options) lifecycleRetryWait() time.Duration {
	if o.LifecycleRetryWait > 0 {
		return o.LifecycleRetryWait
	}
	return defaultLifecycleRetryWait
}
