// Command owlbee trains document-grounded chatbots and answers their
// visitors from the command line, over HTTP or as an MCP server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hurttlocker/owlbee/internal/answer"
	"github.com/hurttlocker/owlbee/internal/config"
	"github.com/hurttlocker/owlbee/internal/logging"
	"github.com/hurttlocker/owlbee/internal/metrics"
)

// Version information (set at build time)
var version = "dev"

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the global flags and output streams shared by every command.
type app struct {
	configPath string
	dataDir    string
	storeKind  string
	llmFlag    string
	embedFlag  string
	logLevel   string

	out    io.Writer
	errOut io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "owlbee",
		Short: "owlbee - document-grounded chatbots",
		Long: `owlbee turns documents, spreadsheets and websites into a per-chatbot
store and answers visitor questions from it, optionally through a language
model.

Use 'owlbee [command] --help' for more information.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default: ~/.owlbee/config.yaml)")
	pf.StringVar(&a.dataDir, "data-dir", "", "training data directory")
	pf.StringVar(&a.storeKind, "store", "", "store backend: file or sqlite")
	pf.StringVar(&a.llmFlag, "llm", "", "language model as provider/model (e.g. openrouter/openai/gpt-4o-mini)")
	pf.StringVar(&a.embedFlag, "embed", "", "embedding provider as provider/model (e.g. ollama/nomic-embed-text)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		a.trainCmd(),
		a.askCmd(),
		a.searchCmd(),
		a.extractCmd(),
		a.statusCmd(),
		a.deleteCmd(),
		a.statsCmd(),
		a.serveCmd(),
		a.mcpCmd(),
		a.configCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "owlbee %s\n", version)
		},
	}
}

func (a *app) resolve() (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath: a.configPath,
		CLILLM:     a.llmFlag,
		CLIEmbed:   a.embedFlag,
		CLIDataDir: a.dataDir,
		CLIStore:   a.storeKind,
		CLILog:     a.logLevel,
	})
}

func (a *app) logger(cfg config.ResolvedConfig) (zerolog.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.LogLevel.Value,
		Format: cfg.LogFormat.Value,
		Out:    a.errOut,
	})
}

// runtime resolves configuration and wires an engine. Callers must Close
// the returned runtime.
func (a *app) runtime() (*answer.Runtime, config.ResolvedConfig, zerolog.Logger, error) {
	cfg, err := a.resolve()
	if err != nil {
		return nil, cfg, zerolog.Nop(), err
	}
	log, err := a.logger(cfg)
	if err != nil {
		return nil, cfg, zerolog.Nop(), err
	}
	rt, err := answer.FromConfig(cfg, metrics.New(), log)
	if err != nil {
		return nil, cfg, log, err
	}
	return rt, cfg, log, nil
}
