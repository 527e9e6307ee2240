package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithCancel(context.Background())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconnectTimeout != 30*time.Second {
		t.Errorf("reconnect timeout: %v", cfg.ReconnectTimeout)
	}
	if cfg.Debounce["completion"] != 75*time.Millisecond {
		t.Errorf("completion debounce: %v", cfg.Debounce["completion"])
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coedit.yaml")
	content := "log_level: debug\nreconnect_timeout: 5s\ndebounce:\n  codeLens: 100ms\n" +
		"servers:\n  - name: gopls\n    language: go\n    command: [gopls, serve]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level: %q", cfg.LogLevel)
	}
	if cfg.ReconnectTimeout != 5*time.Second {
		t.Errorf("reconnect timeout: %v", cfg.ReconnectTimeout)
	}
	if cfg.Debounce["codeLens"] != 100*time.Millisecond {
		t.Errorf("codeLens debounce: %v", cfg.Debounce["codeLens"])
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Command[0] != "gopls" {
		t.Errorf("servers: %+v", cfg.Servers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"negative grace period", func(c *Config) { c.GracePeriod = -time.Second }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"negative debounce", func(c *Config) { c.Debounce["color"] = -time.Millisecond }},
		{"server without command", func(c *Config) {
			c.Servers = []ServerSpec{{Name: "gopls", Language: "go"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseEditorConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    EditorConfig
	}{
		{
			name:    "empty",
			content: "",
			want:    EditorConfig{TabWidth: 4, IndentStyle: IndentSpaces},
		},
		{
			name:    "tab width",
			content: "root = true\n\n[*]\ntab_width = 2\n",
			want:    EditorConfig{TabWidth: 2, IndentStyle: IndentSpaces},
		},
		{
			name:    "tabs with comments",
			content: "# project style\n[*.go]\nindent_style = tab\nindent_size = 8\n",
			want:    EditorConfig{TabWidth: 8, IndentStyle: IndentTabs},
		},
		{
			name:    "out of range width ignored",
			content: "tab_width = 400\n",
			want:    EditorConfig{TabWidth: 4, IndentStyle: IndentSpaces},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseEditorConfig(tt.content)
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".editorconfig")
	if err := os.WriteFile(path, []byte("tab_width = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded := make(chan EditorConfig, 4)
	w, err := NewWatcher(path, nil, func(ec EditorConfig) { loaded <- ec })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := testContext(t)
	defer cancel()
	go w.Run(ctx)

	// Initial load fires synchronously.
	first := <-loaded
	if first.TabWidth != 2 {
		t.Fatalf("initial tab width: %d", first.TabWidth)
	}

	if err := os.WriteFile(path, []byte("tab_width = 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ec := <-loaded:
			if ec.TabWidth == 7 {
				return
			}
		case <-deadline:
			t.Fatal("change never observed")
		}
	}
}
