package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/osidbg/internal/config"
	"github.com/ctagard/osidbg/internal/debugger"
	"github.com/ctagard/osidbg/internal/engine"
	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/log"
	"github.com/ctagard/osidbg/internal/protocol"
	"github.com/ctagard/osidbg/internal/story"
	"github.com/ctagard/osidbg/internal/version"
	"github.com/ctagard/osidbg/pkg/types"
)

const cliStory = `
nodes:
  - id: 1
    type: database
    name: DB_Started
    arity: 1
goals:
  - id: 1
    name: Start
    init:
      - function: DB_Started
        arguments: ["yes"]
`

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--json"})
	require.NoError(t, root.Execute())

	var info versionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, version.Version, info.Version)
	assert.Equal(t, version.ProtocolVersion, info.ProtocolVersion)
}

func TestProbeCommand(t *testing.T) {
	coord := debugger.NewCoordinator(nil)
	srv := protocol.NewServer(coord, nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"probe", "--addr", srv.Addr().String()})
	require.NoError(t, root.Execute())

	var info types.VersionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, version.ProtocolVersion, info.ProtocolVersion)
	assert.False(t, info.StoryLoaded)
}

func TestServeOptions_Resolve(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "osidbg.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
storyPath: from-config.yaml
listenAddress: 127.0.0.1:7000
reloadInterval: 1m
`), 0o644))

	var opts serveOptions
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	opts.addFlags(flags)
	require.NoError(t, flags.Parse([]string{"--config", cfgPath, "--listen", "127.0.0.1:8000", "--mcp"}))

	cfg, err := opts.resolve(flags)
	require.NoError(t, err)
	assert.Equal(t, "from-config.yaml", cfg.StoryPath)
	assert.Equal(t, "127.0.0.1:8000", cfg.ListenAddress)
	assert.Equal(t, time.Minute, cfg.Reload())
	assert.True(t, cfg.EnableMCP)
}

func TestServeOptions_StoryRequired(t *testing.T) {
	var opts serveOptions
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	opts.addFlags(flags)
	require.NoError(t, flags.Parse(nil))

	_, err := opts.resolve(flags)
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfigInvalid, errors.CodeOf(err))
}

type loadRecorder struct {
	engine.NopHooks
	loaded chan uint32
}

func (r loadRecorder) StoryLoaded(db *story.Database) {
	select {
	case r.loaded <- db.Generation():
	default:
	}
}

func TestDrive_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "story.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cliStory), 0o644))

	cfg := config.DefaultConfig()
	cfg.StoryPath = path
	cfg.ReloadInterval = config.Duration(10 * time.Millisecond)

	rec := loadRecorder{loaded: make(chan uint32, 64)}
	eng := engine.New(rec, nil)
	store := story.NewStore()
	db, err := store.LoadFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- drive(ctx, eng, store, db, cfg, log.Discard()) }()

	for _, want := range []uint32{1, 2, 3} {
		select {
		case gen := <-rec.loaded:
			assert.Equal(t, want, gen)
		case <-time.After(2 * time.Second):
			t.Fatalf("generation %d was never loaded", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drive did not stop")
	}
}
