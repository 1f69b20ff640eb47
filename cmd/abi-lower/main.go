package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Cvelth/revng-sub000/pkg/abi"
	"github.com/Cvelth/revng-sub000/pkg/functiontype"
)

var version = "0.1.0"

// Global options
var (
	logLevel       string
	definitionsDir string
)

// Conversion options
var (
	outputPath string
	targetABI  string
	strict     bool
	typeKey    string
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "abi-lower: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "abi-lower",
		Short: "abi-lower lowers function prototypes to and from calling conventions",
		Long: `abi-lower computes where the arguments and return values of a
function prototype live under a calling convention, and converts
prototypes between their C-level and register-level forms.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel, errOut)
			if err != nil {
				return err
			}
			abi.SetLogger(logger)
			functiontype.SetLogger(logger)
			if definitionsDir != "" {
				if err := abi.SetDefinitionsDir(definitionsDir); err != nil {
					logger.Warn("definition overrides only apply to the abi subcommands", zap.Error(err))
				}
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", env.Str("ABI_LOWER_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&definitionsDir, "definitions", env.Str("ABI_LOWER_DEFINITIONS"), "Directory with ABI definitions overriding the built-in ones")

	rootCmd.AddCommand(newABICmd(out))
	rootCmd.AddCommand(newLayoutCmd(out))
	rootCmd.AddCommand(newToRawCmd(out, errOut))
	rootCmd.AddCommand(newToCABICmd(out, errOut))
	return rootCmd
}

// newLogger builds a console logger writing to w at the given level
func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	config := zap.NewDevelopmentEncoderConfig()
	config.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(config), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// registry returns the definitions the abi subcommands inspect
func registry() *abi.Registry {
	var sources []fs.FS
	if definitionsDir != "" {
		sources = append(sources, os.DirFS(definitionsDir))
	}
	return abi.NewRegistry(append(sources, abi.Builtin())...)
}
