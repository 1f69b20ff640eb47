package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/Cvelth/revng-sub000/pkg/functiontype"
	"github.com/Cvelth/revng-sub000/pkg/model"
)

func newABICmd(out io.Writer) *cobra.Command {
	abiCmd := &cobra.Command{
		Use:   "abi",
		Short: "Inspect calling convention definitions",
	}

	abiCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the known calling conventions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range model.ABIs() {
				fmt.Fprintf(out, "%-28s %s\n", a, a.Architecture())
			}
			return nil
		},
	})

	abiCmd.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Print a calling convention definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := model.ParseABI(args[0])
			if err != nil {
				return err
			}
			d, err := registry().Load(a)
			if err != nil {
				return err
			}
			return writeYAML(out, d)
		},
	})

	abiCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Load and verify every calling convention definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := registry()
			var errs error
			for _, a := range model.ABIs() {
				if _, err := r.Load(a); err != nil {
					fmt.Fprintf(out, "FAIL %s\n", a)
					errs = multierr.Append(errs, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s\n", a)
			}
			return errs
		},
	})

	return abiCmd
}

// prototypeLayout is the printed form of one prototype's layout
type prototypeLayout struct {
	Prototype    model.TypeKey             `yaml:"Prototype"`
	ReturnMethod functiontype.ReturnMethod `yaml:"ReturnMethod"`
	Layout       functiontype.Layout       `yaml:"Layout"`
}

func newLayoutCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout FILE",
		Short: "Print where arguments and return values of each prototype live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := model.Load(args[0])
			if err != nil {
				return err
			}
			keys := b.FunctionTypes()
			if typeKey != "" {
				key, err := model.ParseTypeKey(typeKey)
				if err != nil {
					return err
				}
				keys = []model.TypeKey{key}
			}

			var layouts []prototypeLayout
			for _, key := range keys {
				layout, err := functiontype.MakeLayout(b, key)
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				layouts = append(layouts, prototypeLayout{
					Prototype:    key,
					ReturnMethod: layout.ReturnMethod(),
					Layout:       layout,
				})
			}
			return writeYAML(out, layouts)
		},
	}
	cmd.Flags().StringVar(&typeKey, "type", "", "Only print the prototype with this key (e.g. 2-CABIFunctionType)")
	return cmd
}

func newToRawCmd(out, errOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "to-raw FILE",
		Short: "Convert every C-level prototype to its register-level form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return convert(args[0], functiontype.ToRaw, model.InvalidABI, functiontype.Options{}, out, errOut)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the converted binary to this file instead of stdout")
	return cmd
}

func newToCABICmd(out, errOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "to-cabi FILE",
		Short: "Try converting every register-level prototype to a C-level one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := model.InvalidABI
			if targetABI != "" {
				parsed, err := model.ParseABI(targetABI)
				if err != nil {
					return err
				}
				target = parsed
			}
			return convert(args[0], functiontype.ToCABI, target, functiontype.Options{Strict: strict}, out, errOut)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the converted binary to this file instead of stdout")
	cmd.Flags().StringVar(&targetABI, "abi", env.Str("ABI_LOWER_DEFAULT_ABI"), "Calling convention to convert to (default: the binary's)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Force prototypes into the calling convention instead of skipping them")
	return cmd
}

// convert runs a batch conversion over the binary in path
func convert(path string, direction functiontype.Direction, target model.ABI, opts functiontype.Options, out, errOut io.Writer) error {
	b, err := model.Load(path)
	if err != nil {
		return err
	}
	report, err := functiontype.ConvertAll(b, direction, target, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(errOut, "abi-lower: %s: converted %d prototypes", direction, len(report.Converted))
	if len(report.Skipped) != 0 {
		fmt.Fprintf(errOut, ", skipped %d", len(report.Skipped))
	}
	fmt.Fprintln(errOut)
	for _, key := range report.Skipped {
		fmt.Fprintf(errOut, "abi-lower: skipped %s\n", key)
	}

	if outputPath != "" {
		return b.Save(outputPath)
	}
	data, err := b.Serialize()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func writeYAML(out io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
