package cmd

import (
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appsworld/macho/pkg/classdump"
	"github.com/appsworld/macho/pkg/header"
)

func init() {
	rootCmd.AddCommand(classDumpCmd)

	classDumpCmd.Flags().StringP("output", "o", "", "File to write the header to (default: stdout)")
	classDumpCmd.MarkFlagFilename("output")
	classDumpCmd.Flags().StringSliceP("class", "c", nil, "Only dump classes, protocols and categories matching these names or globs")
	classDumpCmd.Flags().StringSliceP("force", "f", nil, "Always dump these names or globs, whatever --class says")
	classDumpCmd.Flags().Bool("re", false, "RE verbosity (with addresses)")
	classDumpCmd.Flags().Bool("no-forward-decls", false, "Do not emit @class/@protocol forward declarations")

	viper.BindPFlag("class-dump.output", classDumpCmd.Flags().Lookup("output"))
	viper.BindPFlag("class-dump.class", classDumpCmd.Flags().Lookup("class"))
	viper.BindPFlag("class-dump.force", classDumpCmd.Flags().Lookup("force"))
	viper.BindPFlag("class-dump.re", classDumpCmd.Flags().Lookup("re"))
	viper.BindPFlag("class-dump.no-forward-decls", classDumpCmd.Flags().Lookup("no-forward-decls"))
}

// classDumpCmd represents the class-dump command
var classDumpCmd = &cobra.Command{
	Use:     "class-dump <MACHO>...",
	Aliases: []string{"cd"},
	Short:   "Reconstruct Objective-C headers from Mach-O binaries",
	Example: heredoc.Doc(`
		# Dump every class of the arm64 slice
		❯ classguard class-dump --arch arm64 MyApp

		# Dump one class family and its categories to a file
		❯ classguard class-dump -c 'MY*' -o MyApp.h MyApp

		# Merge an app with its embedded frameworks, with addresses
		❯ classguard class-dump --re MyApp Frameworks/*.framework/*`),
	Args:          cobra.MinimumNArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSession(cmd.Context(), classdump.Config{
			ClassFilters:          viper.GetStringSlice("class-dump.class"),
			ForceRecursiveAnalyze: viper.GetStringSlice("class-dump.force"),
		}, args)
		if err != nil {
			return err
		}

		w := header.New(header.Config{
			Addrs:          viper.GetBool("class-dump.re"),
			NoForwardDecls: viper.GetBool("class-dump.no-forward-decls"),
		})
		if err := s.Walk(w); err != nil {
			return err
		}
		return writeOutput(viper.GetString("class-dump.output"), w.Bytes())
	},
}
