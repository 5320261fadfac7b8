package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appsworld/macho"
	"github.com/appsworld/macho/internal/magic"
	"github.com/appsworld/macho/pkg/classdump"
)

var (
	cfgFile string
	// Verbose boolean flag for verbose logging
	Verbose bool
	// AppVersion stores the build version
	AppVersion string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "classguard",
	Short: "Dump and obfuscate Objective-C metadata in Mach-O binaries",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/classguard/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().Bool("color", false, "colorize output")
	rootCmd.PersistentFlags().StringSliceP("arch", "a", nil, "Which architecture(s) to use (arm64, arm64e, x86_64, armv7, ...)")
	rootCmd.PersistentFlags().IntP("workers", "j", 0, "Number of slices to extract in parallel (default: number of CPUs)")
	rootCmd.PersistentFlags().String("diag", "", "Write <prefix>-notes.txt and <prefix>-errors.txt diagnostics")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindPFlag("arch", rootCmd.PersistentFlags().Lookup("arch"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("diag", rootCmd.PersistentFlags().Lookup("diag"))
	viper.BindEnv("color", "CLICOLOR")

	rootCmd.Version = AppVersion
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(filepath.Join(home, ".config", "classguard"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("classguard")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadSession extracts every input into a new session.
func loadSession(ctx context.Context, conf classdump.Config, paths []string) (*classdump.Session, error) {
	conf.Archs = viper.GetStringSlice("arch")
	conf.Workers = viper.GetInt("workers")
	conf.DiagnosticFilesPrefix = viper.GetString("diag")

	s, err := classdump.New(conf)
	if err != nil {
		return nil, err
	}
	if err := s.LoadFiles(ctx, paths...); err != nil {
		var nm *macho.NotMachOError
		if errors.As(err, &nm) {
			if k, _ := magic.DetectFile(nm.Path); k == magic.Archive {
				return nil, fmt.Errorf("%v %s", nm, magic.StaticLibraryMessage)
			}
		}
		return nil, err
	}
	for _, err := range s.Failures() {
		log.Error(err.Error())
	}

	flags := s.Flags()
	if flags.HasEncryptedFiles {
		log.Warn("Some inputs are encrypted; their encrypted metadata was skipped")
	}
	if !flags.ContainsObjectiveCData {
		log.Warn("This file does not contain any Objective-C runtime information.")
	} else if !flags.HasRuntimeInfo {
		log.Warn("This file contains Objective-C sections but no readable classes or protocols.")
	}
	if len(s.Skipped()) > 0 {
		log.Warnf("Skipped %d unreadable records", len(s.Skipped()))
	}
	if err := s.WriteDiagnostics(); err != nil {
		return nil, err
	}
	return s, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	log.Infof("Creating %s", path)
	return os.WriteFile(path, data, 0o644)
}
