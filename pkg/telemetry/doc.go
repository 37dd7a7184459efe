// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry) and metrics (Prometheus) for reconciliation operations.
//
// A process builds one Telemetry and stores it in the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Each operation is bracketed by StartOperation and End:
//
//	op := telemetry.StartOperation(ctx, "ensure_volume", host)
//	result, err := doWork(op.Ctx)
//	op.End(result.Action, errorClass(err), err)
//
// Metrics are kept on a private registry and exposed by Metrics.Serve.
package telemetry
