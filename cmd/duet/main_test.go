package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/duet/internal/config"
	"github.com/vango-dev/duet/internal/errors"
	"github.com/vango-dev/duet/pkg/protocol"
)

func TestServerConfig(t *testing.T) {
	cfg := config.New()
	cfg.Address = "127.0.0.1:0"
	cfg.Path = "/sync"
	cfg.Server.DequeueTimeout = "5s"
	cfg.Server.HeartbeatInterval = "bogus"
	cfg.Server.MaxMessageSize = 1024

	sc := serverConfig(cfg)
	if sc.Address != "127.0.0.1:0" || sc.Path != "/sync" {
		t.Errorf("address/path = %q %q", sc.Address, sc.Path)
	}
	if sc.DequeueTimeout != 5*time.Second {
		t.Errorf("DequeueTimeout = %v, want 5s", sc.DequeueTimeout)
	}
	// Invalid durations keep the transport default
	if sc.HeartbeatInterval <= 0 {
		t.Errorf("HeartbeatInterval = %v, want default", sc.HeartbeatInterval)
	}
	if sc.MaxMessageSize != 1024 {
		t.Errorf("MaxMessageSize = %d, want 1024", sc.MaxMessageSize)
	}
}

func TestOpenStore(t *testing.T) {
	kinds := []string{config.ArchiveMemory, config.ArchiveFile, config.ArchiveSQLite}

	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			cfg := config.New()
			cfg.Archive.Kind = kind
			cfg.Archive.Dir = filepath.Join(dir, "archives")
			cfg.Archive.DSN = filepath.Join(dir, "duet.db")

			ctx := context.Background()
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				t.Fatalf("openStore error: %v", err)
			}
			defer closeStore()

			events := []protocol.Event{
				protocol.NewMarker(true),
				protocol.NewEvent(1, json.RawMessage(`"tick"`)),
			}
			if err := store.Append(ctx, "s1", events); err != nil {
				t.Fatalf("Append error: %v", err)
			}
			if err := store.Complete(ctx, "s1", []protocol.ChannelID{1}); err != nil {
				t.Fatalf("Complete error: %v", err)
			}

			a, err := store.Read(ctx, "s1")
			if err != nil {
				t.Fatalf("Read error: %v", err)
			}
			if a == nil || len(a.Events) != 2 || !a.Complete {
				t.Fatalf("archive = %+v, want 2 events and a trailer", a)
			}
		})
	}

	t.Run("none", func(t *testing.T) {
		cfg := config.New()
		cfg.Archive.Kind = config.ArchiveNone
		store, closeStore, err := openStore(context.Background(), cfg)
		if err != nil || store != nil {
			t.Fatalf("openStore = %v, %v; want nil store", store, err)
		}
		closeStore()
	})
}

func TestReadArchive(t *testing.T) {
	dir := t.TempDir()
	cfg := config.New()
	cfg.Archive.Kind = config.ArchiveFile
	cfg.Archive.Dir = dir

	_, err := readArchive(cfg, "missing")
	if err == nil || !strings.Contains(err.Error(), "E120") {
		t.Fatalf("readArchive error = %v, want E120", err)
	}

	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(context.Background(), "s1", []protocol.Event{protocol.NewCloseEvent(2)}); err != nil {
		t.Fatal(err)
	}
	closeStore()

	a, err := readArchive(cfg, "s1")
	if err != nil {
		t.Fatalf("readArchive error: %v", err)
	}
	if a.Complete {
		t.Error("archive without trailer should be incomplete")
	}
}

func TestArchiveCommand_MemoryStoreRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	if err := config.New().SaveTo(path); err != nil {
		t.Fatal(err)
	}

	cmd := archiveCmd()
	cmd.SetArgs([]string{"inspect", "s1", "--config", path})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "E121") {
		t.Fatalf("Execute error = %v, want E121", err)
	}
}

func TestEventKind(t *testing.T) {
	tests := []struct {
		ev   protocol.Event
		want string
	}{
		{protocol.NewMarker(false), "marker"},
		{protocol.NewEvent(1, json.RawMessage(`1`)), "value"},
		{protocol.NewCloseEvent(1), "close"},
		{protocol.NewFailureEvent(1, json.RawMessage(`"no"`), protocol.Failure{Plain: true}), "reject"},
		{protocol.NewFailureEvent(1, json.RawMessage(`{}`), protocol.Failure{Type: "Timeout"}), "error Timeout"},
	}
	for _, tt := range tests {
		if got := eventKind(tt.ev); got != tt.want {
			t.Errorf("eventKind(%+v) = %q, want %q", tt.ev, got, tt.want)
		}
	}

	long := protocol.NewEvent(1, json.RawMessage(`"`+strings.Repeat("x", 100)+`"`))
	if got := eventValue(long); len(got) != 60 || !strings.HasSuffix(got, "...") {
		t.Errorf("eventValue = %q, want 60 chars ending in ...", got)
	}
}

func TestErrorOutput(t *testing.T) {
	tests := []struct {
		plain, asJSON bool
		want          errors.Output
	}{
		{false, false, errors.Text},
		{true, false, errors.Plain},
		{false, true, errors.JSON},
		{true, true, errors.JSON},
	}
	for _, tt := range tests {
		if got := errorOutput(tt.plain, tt.asJSON); got != tt.want {
			t.Errorf("errorOutput(%v, %v) = %v, want %v", tt.plain, tt.asJSON, got, tt.want)
		}
	}
}

func TestMark(t *testing.T) {
	defer func(v bool) { noColor = v }(noColor)

	noColor = false
	if got := mark("32", "✓"); got != "\033[32m✓\033[0m" {
		t.Errorf("mark = %q", got)
	}
	noColor = true
	if got := mark("32", "✓"); got != "✓" {
		t.Errorf("mark without color = %q", got)
	}
}

func TestVersionCmd(t *testing.T) {
	run := func(args ...string) string {
		t.Helper()
		var out strings.Builder
		cmd := versionCmd()
		cmd.SetOut(&out)
		// A nil slice makes cobra fall back to os.Args.
		cmd.SetArgs(append([]string{}, args...))
		if err := cmd.Execute(); err != nil {
			t.Fatalf("version %v: %v", args, err)
		}
		return out.String()
	}

	if got := strings.TrimSpace(run("--short")); got != currentBuild().Version {
		t.Errorf("--short = %q, want %q", got, currentBuild().Version)
	}

	var b buildInfo
	if err := json.Unmarshal([]byte(run("--json")), &b); err != nil {
		t.Fatalf("--json output is not JSON: %v", err)
	}
	if b.MaxMessageSize != protocol.MaxMessageSize || b.MaxEvents != protocol.MaxEventsPerMessage {
		t.Errorf("limits = %d/%d", b.MaxMessageSize, b.MaxEvents)
	}
	if b.Go == "" || b.Platform == "" {
		t.Errorf("toolchain missing: %+v", b)
	}

	if text := run(); !strings.Contains(text, "Wire limits:") || !strings.Contains(text, "duet "+b.Version) {
		t.Errorf("text output = %q", text)
	}
}
