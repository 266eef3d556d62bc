package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/hashing"
	"github.com/jmerrifield20/silicontrace/internal/trace/repository"
	"github.com/jmerrifield20/silicontrace/internal/trace/service"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// Exit codes. A compromised chain is a verification result, not a failure
// of the tool, so it gets its own code.
const (
	exitOK          = 0
	exitError       = 1
	exitCompromised = 2
)

// exitCodeError carries a non-default process exit code through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(&app{v: viper.New(), out: stdout})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return exitError
}

// app holds the state shared by every subcommand.
type app struct {
	v       *viper.Viper
	out     io.Writer
	logger  *zap.Logger
	cfgFile string
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "silicontrace",
		Short: "Tamper-evident stage ledger for manufacturing batches",
		Long: `silicontrace records the processing stages of a tracked unit as a
hash chain and verifies that no stored record has been altered.

Run the reference wafer route end to end:

  silicontrace run

Or keep chains in a SQLite file and extend them over time:

  silicontrace init 1001 --stage Raw_Silicon_Ingot
  silicontrace append 1001 --stage 5nm_Fabrication
  silicontrace verify 1001`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ~/.silicontrace/config.yaml)")
	pf.String("db", "silicontrace.db", "SQLite file holding stored chains")
	pf.String("algorithm", hashing.AlgorithmSHA256, "digest algorithm for new chains: "+strings.Join(hashing.Algorithms(), ", "))
	pf.String("blake3-domain", "", "domain key for keyed BLAKE3 (requires --algorithm blake3)")
	pf.String("server", "", "traced base URL; when set, chains are read and written remotely")
	pf.Duration("timeout", 10*time.Second, "request timeout for --server")
	pf.BoolP("verbose", "v", false, "log ledger events to stderr")

	_ = a.v.BindPFlag("db", pf.Lookup("db"))
	_ = a.v.BindPFlag("algorithm", pf.Lookup("algorithm"))
	_ = a.v.BindPFlag("blake3_domain", pf.Lookup("blake3-domain"))
	_ = a.v.BindPFlag("server", pf.Lookup("server"))
	_ = a.v.BindPFlag("timeout", pf.Lookup("timeout"))
	_ = a.v.BindPFlag("verbose", pf.Lookup("verbose"))

	root.AddCommand(
		newRunCmd(a),
		newInitCmd(a),
		newAppendCmd(a),
		newVerifyCmd(a),
		newShowCmd(a),
		newListCmd(a),
		newTamperCmd(a),
		newVersionCmd(a),
	)
	return root
}

// setup reads the optional config file and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home + "/.silicontrace")
		}
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}
	a.v.SetEnvPrefix("SILICONTRACE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) && a.cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}

	logger, err := newLogger(a.v.GetBool("verbose"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	a.logger = logger
	return nil
}

// newLogger logs to stderr: everything when verbose, warnings otherwise.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return cfg.Build()
}

// hasher builds the configured hasher for new chains.
func (a *app) hasher() (hashing.Hasher, error) {
	algo := a.v.GetString("algorithm")
	if domain := a.v.GetString("blake3_domain"); domain != "" {
		if !strings.EqualFold(algo, hashing.AlgorithmBLAKE3) {
			return nil, fmt.Errorf("--blake3-domain requires --algorithm blake3, got %q", algo)
		}
		return hashing.NewKeyedBLAKE3(hashing.DomainKey(domain))
	}
	return hashing.ByName(algo)
}

// openService opens the SQLite store and wraps it in a BatchService. The
// caller must close the returned repository.
func (a *app) openService() (*service.BatchService, *repository.SQLiteRepository, error) {
	h, err := a.hasher()
	if err != nil {
		return nil, nil, err
	}
	repo, err := repository.OpenSQLite(a.v.GetString("db"))
	if err != nil {
		return nil, nil, err
	}
	return service.NewBatchService(repo, h, a.logger), repo, nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the silicontrace version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "silicontrace %s\n", version)
		},
	}
}
