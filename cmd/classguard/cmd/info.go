package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/go-dwarf"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appsworld/macho"
	"github.com/appsworld/macho/internal/magic"
)

var colorField = color.New(color.Bold).SprintFunc()
var colorArch = color.New(color.FgHiGreen).SprintFunc()

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().BoolP("header", "d", false, "Print the mach header")
	infoCmd.Flags().BoolP("loads", "l", false, "Print the load commands")
	infoCmd.Flags().BoolP("dwarf", "D", false, "List the DWARF compile units")

	viper.BindPFlag("info.header", infoCmd.Flags().Lookup("header"))
	viper.BindPFlag("info.loads", infoCmd.Flags().Lookup("loads"))
	viper.BindPFlag("info.dwarf", infoCmd.Flags().Lookup("dwarf"))
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <MACHO>",
	Short: "Describe the slices and load commands of a Mach-O binary",
	Example: heredoc.Doc(`
		# List the slices and the selected image's UUID
		❯ classguard info MyApp

		# Show the arm64 load commands
		❯ classguard info --arch arm64 --loads MyApp`),
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		if ok, err := magic.IsMachO(path); err != nil {
			return err
		} else if !ok {
			if k, _ := magic.DetectFile(path); k == magic.Archive {
				return fmt.Errorf("%v %s", &macho.NotMachOError{Path: path}, magic.StaticLibraryMessage)
			}
			return &macho.NotMachOError{Path: path}
		}

		dat, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", path)
		}
		slices, err := macho.Slices(bytes.NewReader(dat), int64(len(dat)))
		if err != nil {
			return err
		}

		var want []macho.Arch
		for _, a := range viper.GetStringSlice("arch") {
			arch, err := macho.ParseArch(a)
			if err != nil {
				return errors.Wrap(err, "invalid --arch")
			}
			want = append(want, arch)
		}
		sel, err := macho.SelectSlice(slices, want...)
		if err != nil {
			return err
		}

		fmt.Printf("%s %s (%s)\n", colorField("File:"), path, humanize.Bytes(uint64(len(dat))))
		for _, s := range slices {
			mark := " "
			if s.Offset == sel.Offset {
				mark = "*"
			}
			fmt.Printf("  %s %-8s offset=%#x size=%s align=2^%d\n", mark, colorArch(s.Arch()), s.Offset, humanize.Bytes(uint64(s.Size)), s.Align)
		}

		m, err := sel.Open()
		if err != nil {
			return errors.Wrapf(err, "failed to parse %s slice", sel.Arch())
		}
		defer m.Close()

		if u := m.UUID(); u != nil {
			fmt.Printf("%s %s\n", colorField("UUID:"), u.UUID)
		}
		if enc := m.EncryptionInfo(); enc != nil {
			fmt.Printf("%s %s\n", colorField("Encryption:"), enc)
		} else {
			fmt.Printf("%s none\n", colorField("Encryption:"))
		}
		fmt.Printf("%s %t\n", colorField("Objective-C:"), m.HasObjC())
		if m.HasObjC() {
			info, err := m.GetObjCImageInfo()
			if err != nil {
				log.Warnf("failed to read objc image info: %v", err)
			} else if info != nil {
				fmt.Printf("  %s\n", info.Flags)
				if info.HasSwift() {
					fmt.Printf("  %s\n", colorArch("mixed Swift/Objective-C image"))
				}
			}
		}

		if viper.GetBool("info.header") {
			fmt.Printf("\n%s\n", m.FileHeader.String())
		}
		if viper.GetBool("info.loads") {
			fmt.Println()
			for i, l := range m.Loads {
				fmt.Printf("%03d: %-28s %s\n", i, l.Command(), l.String())
			}
		}
		if viper.GetBool("info.dwarf") {
			return printCompileUnits(m)
		}
		return nil
	},
}

func printCompileUnits(m *macho.File) error {
	d, err := m.DWARF()
	if err != nil {
		log.Warnf("No DWARF info: %v", err)
		return nil
	}
	fmt.Printf("\n%s\n", colorField("Compile Units:"))
	r := d.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return errors.Wrap(err, "failed to read DWARF entry")
		}
		if entry == nil {
			return nil
		}
		if entry.Tag == dwarf.TagCompileUnit {
			if name, ok := entry.Val(dwarf.AttrName).(string); ok {
				fmt.Printf("  %s\n", name)
			}
		}
		r.SkipChildren()
	}
}
