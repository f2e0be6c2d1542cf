package synapse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import namespace of host functions.
// Modules call them via `(import "browserq" "log")`.
const hostModuleName = "browserq"

// instantiateHostFunctions exports:
//   - browserq.log(ptr, len): writes a message to the worker log
//   - browserq.metric(name_ptr, name_len, value): records a debug metric
func instantiateHostFunctions(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	_, err := rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			if msg, ok := mod.Memory().Read(ptr, length); ok {
				logger.Info("synapse: module log", "message", string(msg))
			}
		}).
		WithParameterNames("ptr", "len").
		Export("log").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32, value float64) {
			if name, ok := mod.Memory().Read(namePtr, nameLen); ok {
				logger.Debug("synapse: module metric",
					"metric", string(name),
					"value", value,
				)
			}
		}).
		WithParameterNames("name_ptr", "name_len", "value").
		Export("metric").
		Instantiate(ctx)

	if err != nil {
		return fmt.Errorf("synapse: failed to instantiate host functions: %w", err)
	}
	return nil
}
