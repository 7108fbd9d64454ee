package main

import (
	"log/slog"
	"os"

	"royaltystake/services/royaltyd"
)

func main() {
	if err := royaltyd.Main(); err != nil {
		slog.Error("royaltyd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
