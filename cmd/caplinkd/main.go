package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dlog"
)

func main() {
	ctx := context.Background()
	cmd := Command()
	if err := cmd.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(1)
	}
}
