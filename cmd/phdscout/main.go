package main

import (
	"context"

	"phdscout/cmd/phdscout/commands"
	"phdscout/lib/serviceutil"
	"phdscout/lib/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()

	err := telemetry.SetupFromEnv(ctx, "phdscout")
	if err != nil {
		serviceutil.Fatal("failed to initialize telemetry", err)
	}
	defer telemetry.Shutdown(context.Background())

	commands.ExecuteContext(ctx)
}
