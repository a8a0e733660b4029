// Package cmd implements the pipeweb command line.
package cmd

import (
	"github.com/lmtoy/pipeline-web/cli"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/pkg/catalog"
	"github.com/lmtoy/pipeline-web/pkg/dispatch"
	"github.com/lmtoy/pipeline-web/pkg/fleet"
	"github.com/lmtoy/pipeline-web/pkg/remote"
	"github.com/lmtoy/pipeline-web/pkg/workspace"
	"github.com/spf13/cobra"
)

// app holds the components a command works with, built from the loaded
// configuration.
type app struct {
	cfg        *config.Config
	sessions   *workspace.Store
	catalog    *catalog.Extractor
	fleet      *fleet.Syncer
	dispatcher *dispatch.Dispatcher
	pretty     bool
}

// newApp loads the configuration and wires the components every command
// shares. The remote runner is only dialed when a command runs something.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := cli.LoadConfig(cmd)
	if err != nil {
		return nil, err
	}
	syncer, err := fleet.NewSyncer(cfg)
	if err != nil {
		return nil, err
	}
	runner, err := remote.New(cfg)
	if err != nil {
		return nil, err
	}
	sessions := workspace.NewStore(cfg)
	return &app{
		cfg:        cfg,
		sessions:   sessions,
		catalog:    catalog.NewExtractor(cfg, sessions.DefaultSessionDir, sessions.Locks()),
		fleet:      syncer,
		dispatcher: dispatch.NewDispatcher(cfg, runner),
		pretty:     !cli.GetOptions(cmd).JSONOutput,
	}, nil
}
