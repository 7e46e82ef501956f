package main

import (
	"bytes"
	"flag"
	"io"
	"strings"
	"testing"

	"github.com/txn2/ipc-gateway/pkg/platform"
)

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts, err := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if opts.logLevel != "info" || opts.logFormat != "json" || opts.configPath != "" || opts.showVersion {
			t.Errorf("unexpected defaults: %+v", opts)
		}
	})

	t.Run("explicit", func(t *testing.T) {
		opts, err := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError),
			[]string{"-config", "gateway.yaml", "-log-level", "debug", "-log-format", "text", "-version"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if opts.configPath != "gateway.yaml" || opts.logLevel != "debug" || opts.logFormat != "text" || !opts.showVersion {
			t.Errorf("unexpected options: %+v", opts)
		}
	})

	t.Run("unknown flag", func(t *testing.T) {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if _, err := parseFlags(fs, []string{"-transport", "sse"}); err == nil {
			t.Error("expected error for unknown flag")
		}
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
		want    string
	}{
		{name: "json", level: "info", format: "json", want: `"msg":"hello"`},
		{name: "text", level: "debug", format: "text", want: "msg=hello"},
		{name: "bad level", level: "loud", format: "json", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			logger.Info("hello")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Transport != platform.TransportStdio {
		t.Errorf("Transport = %q, want %q", cfg.Server.Transport, platform.TransportStdio)
	}
	if cfg.Session.Store != platform.StoreMemory {
		t.Errorf("Session.Store = %q, want %q", cfg.Session.Store, platform.StoreMemory)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}
