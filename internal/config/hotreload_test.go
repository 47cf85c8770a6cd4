package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	writeFile(t, path, `{log: {level: "info"}}`)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	levels := make(chan string, 4)
	w.OnChange(func(cfg *Config) { levels <- cfg.Log.Level })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, `{log: {level: "debug"}}`)

	select {
	case lvl := <-levels:
		if lvl != "debug" {
			t.Errorf("level = %q", lvl)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
}

func TestWatcher_InvalidFileKeepsHandlersQuiet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	writeFile(t, path, `{}`)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	called := make(chan struct{}, 1)
	w.OnChange(func(*Config) { called <- struct{}{} })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeFile(t, path, `{log: {level: "loud"}}`)
	select {
	case <-called:
		t.Error("handler ran for an invalid config")
	case <-time.After(300 * time.Millisecond):
	}
	w.Stop()
	w.Stop()
}
