package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitTagsServiceAndProtectsLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "relayd.log")
	err := Init(Config{
		Level:   slog.LevelInfo,
		Service: "relayd",
		LogFile: logPath,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() {
		defaultLogger.logFile.Close()
		defaultLogger = nil
	}()

	Info("delivery complete", "agent", "ada")
	defaultLogger.logFile.Sync()

	fi, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0600 {
		t.Errorf("log file mode = %o, want 0600", perm)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "service=relayd") {
		t.Errorf("record missing service tag: %s", line)
	}
	if !strings.Contains(line, "delivery complete") {
		t.Errorf("record missing message: %s", line)
	}
}
