package logging

import (
	"log/slog"
	"testing"
)

func TestSetupInstallsDefaultLogger(t *testing.T) {
	logger := Setup("escrowd", "test")
	if logger == nil {
		t.Fatal("expected a logger")
	}
	if slog.Default() != logger {
		t.Fatal("expected the returned logger to be installed as the default")
	}
	logger.Info("logger smoke test", slog.String("component", "escrow"))
}
