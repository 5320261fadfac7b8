package cmd

import (
	"bytes"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appsworld/macho/pkg/classdump"
	"github.com/appsworld/macho/pkg/symbols"
)

func init() {
	rootCmd.AddCommand(obfuscateCmd)

	obfuscateCmd.Flags().StringSliceP("class-filter", "F", nil, "Only rename classes, protocols and categories matching these names or globs")
	obfuscateCmd.Flags().StringSliceP("ignore", "x", nil, "Never rename symbols matching these names or globs")
	obfuscateCmd.Flags().Int("padding", 0, "Emit at least this many #define lines")
	obfuscateCmd.Flags().Int("length", 10, "Length of generated names (max 14)")
	obfuscateCmd.Flags().Uint64("seed", 0, "Seed for name generation")
	obfuscateCmd.Flags().Bool("members", false, "Also rename properties and selectors")
	obfuscateCmd.Flags().StringP("output", "o", "symbols.h", "Header to write the #define lines to")
	obfuscateCmd.Flags().StringP("map", "m", "", "Also write the rename map as JSON")
	obfuscateCmd.MarkFlagFilename("output", "h")
	obfuscateCmd.MarkFlagFilename("map", "json")

	viper.BindPFlag("obfuscate.class-filter", obfuscateCmd.Flags().Lookup("class-filter"))
	viper.BindPFlag("obfuscate.ignore", obfuscateCmd.Flags().Lookup("ignore"))
	viper.BindPFlag("obfuscate.padding", obfuscateCmd.Flags().Lookup("padding"))
	viper.BindPFlag("obfuscate.length", obfuscateCmd.Flags().Lookup("length"))
	viper.BindPFlag("obfuscate.seed", obfuscateCmd.Flags().Lookup("seed"))
	viper.BindPFlag("obfuscate.members", obfuscateCmd.Flags().Lookup("members"))
	viper.BindPFlag("obfuscate.output", obfuscateCmd.Flags().Lookup("output"))
	viper.BindPFlag("obfuscate.map", obfuscateCmd.Flags().Lookup("map"))
}

// obfuscateCmd represents the obfuscate command
var obfuscateCmd = &cobra.Command{
	Use:     "obfuscate <MACHO>...",
	Aliases: []string{"obf"},
	Short:   "Generate a #define header that renames Objective-C symbols",
	Example: heredoc.Doc(`
		# Rename the app's own classes, keeping SDK names intact
		❯ classguard obfuscate -F 'MY*' -o symbols.h MyApp

		# Include the frameworks it links so their names are never reused
		❯ classguard obfuscate -F 'MY*' --members -m map.json MyApp Frameworks/*.framework/*`),
	Args:          cobra.MinimumNArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ignore := viper.GetStringSlice("obfuscate.ignore")

		// No class filter on the session: every symbol in the inputs must be
		// seen so that names outside the filter are reserved.
		s, err := loadSession(cmd.Context(), classdump.Config{
			ExclusionPatterns: ignore,
		}, args)
		if err != nil {
			return err
		}

		g, err := symbols.New(symbols.Config{
			ClassFilter:   viper.GetStringSlice("obfuscate.class-filter"),
			IgnoreSymbols: s.Config().ExclusionPatterns,
			Padding:       viper.GetInt("obfuscate.padding"),
			NameLength:    viper.GetInt("obfuscate.length"),
			Seed:          viper.GetUint64("obfuscate.seed"),
			RenameMembers: viper.GetBool("obfuscate.members"),
		})
		if err != nil {
			return err
		}
		if err := s.Walk(g); err != nil {
			return err
		}
		for _, err := range g.Errors() {
			log.Warn(err.Error())
		}
		log.WithField("count", len(g.Symbols())).Info("Generated symbols")

		var out bytes.Buffer
		if err := g.WriteSymbols(&out); err != nil {
			return err
		}
		if err := writeOutput(viper.GetString("obfuscate.output"), out.Bytes()); err != nil {
			return err
		}
		if path := viper.GetString("obfuscate.map"); path != "" {
			out.Reset()
			if err := g.WriteMap(&out); err != nil {
				return err
			}
			return writeOutput(path, out.Bytes())
		}
		return nil
	},
}
