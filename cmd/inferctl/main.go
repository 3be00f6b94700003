// inferctl drives one demonstration inference through the execution engine
// against an in-memory stub driver, to exercise the engine end to end
// without a real device backend.
// Usage: go run ./cmd/inferctl
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/engine"
	"github.com/tsawler/inferexec/errs"
	"github.com/tsawler/inferexec/metrics"
	"github.com/tsawler/inferexec/plan"
	"github.com/tsawler/inferexec/stepexec"
)

// identityModel is a stub driver.PreparedModel that copies its single input
// buffer into its single output buffer, reporting a fully specified,
// sufficient output shape. It stands in for a real device driver.
type identityModel struct {
	dims []uint32
}

func newIdentityModel(dims []uint32) *identityModel { return &identityModel{dims: dims} }

func (m *identityModel) Execute(_ context.Context, inputs, outputs []driver.ArgumentView, measureTiming bool, _ time.Duration) (
	errs.Code, []driver.OutputShape, driver.Timing, error) {
	copy(outputs[0].Buffer, inputs[0].Buffer)
	timing := driver.Unmeasured
	if measureTiming {
		timing = driver.Timing{TimeOnDeviceUs: 12, TimeInDriverUs: 20}
	}
	return errs.NoError, []driver.OutputShape{{Dimensions: m.dims, IsSufficient: true}}, timing, nil
}

func (m *identityModel) ExecuteFenced(ctx context.Context, inputs, outputs []driver.ArgumentView, _ []int,
	measureTiming bool, loopTimeout, _ time.Duration) (errs.Code, int, driver.FencedCallback, driver.Timing, error) {
	code, _, timing, err := m.Execute(ctx, inputs, outputs, measureTiming, loopTimeout)
	return code, -1, nil, timing, err
}

// noopCPUPreparer always hands back the same identity model, matching the
// demo's single-device setup where "CPU" and the primary device coincide.
type noopCPUPreparer struct {
	model driver.PreparedModel
}

func (p *noopCPUPreparer) PrepareOnCPU(context.Context, int) (driver.PreparedModel, error) {
	return p.model, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	operand := driver.OperandType{Dimensions: []uint32{4}, ElemSizeBytes: 1}
	model := newIdentityModel(operand.Dimensions)

	step := &stepexec.Step{
		Index:                  0,
		SourceModelIndex:       0,
		PreparedModel:          model,
		Inputs:                 []stepexec.ArgRef{{Source: stepexec.FromGlobalBinding, GlobalIndex: 0, Operand: operand}},
		Outputs:                []stepexec.ArgRef{{Source: stepexec.FromGlobalBinding, GlobalIndex: 0, Operand: operand}},
		OutputIndexToMainModel: map[int]int{0: 0},
	}
	p := plan.NewSequentialPlan([]*stepexec.Step{step}, 1, false)

	eng, err := engine.NewEngine(p, []driver.OperandType{operand}, []driver.OperandType{operand},
		&noopCPUPreparer{model: model}, engine.Options{MeasureTiming: true, ExplicitDeviceSingle: true},
		logger, metrics.NewRecorder(nil))
	if err != nil {
		log.Fatalf("inferctl: build engine: %v", err)
	}

	input := []byte{1, 2, 3, 4}
	output := make([]byte, 4)
	if code := eng.SetInputFromPointer(0, nil, input, uint32(len(input))); code != errs.NoError {
		log.Fatalf("inferctl: set input: %s", code)
	}
	if code := eng.SetOutputFromPointer(0, nil, output, uint32(len(output))); code != errs.NoError {
		log.Fatalf("inferctl: set output: %s", code)
	}

	completion := eng.Compute(context.Background())
	logger.Info("inferctl: execution finished",
		"execution_id", eng.ExecutionID(),
		"status", completion.Status,
		"mode", completion.CompletedMode,
		"output", output,
	)

	if ns, code := eng.Duration(engine.OnHardwareLaunched); code == errs.NoError {
		logger.Info("inferctl: on-hardware duration", "nanoseconds", ns)
	}
}
