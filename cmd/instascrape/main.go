package main

import (
	"context"
	"os"

	"instapaper-scraper/cmd/instascrape/commands"
	"instapaper-scraper/lib/osutil"
	"instapaper-scraper/lib/telemetry"
)

func main() {
	ctx := osutil.SignalContext()

	telemetry.InitSlog(os.Getenv("DEBUG") != "")
	t, err := telemetry.SetupFromEnv(ctx, "instascrape")
	if err != nil {
		osutil.Fatal("failed to setup telemetry", err)
	}
	defer t.Shutdown(context.Background())

	commands.ExecuteContext(ctx)
}
