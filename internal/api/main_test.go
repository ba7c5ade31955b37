package api

import (
	"os"
	"testing"

	"ExtensionHost/internal/sandbox"
)

func TestMain(m *testing.M) {
	sandbox.MaybeRunWorker()
	os.Exit(m.Run())
}
