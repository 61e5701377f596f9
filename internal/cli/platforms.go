package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/charlesren/netpriv/platform"
)

type levelView struct {
	Name         string   `yaml:"name"`
	Pattern      string   `yaml:"pattern"`
	NotContains  []string `yaml:"not-contains,omitempty"`
	PreviousPriv string   `yaml:"previous-priv,omitempty"`
	Escalate     string   `yaml:"escalate,omitempty"`
	Deescalate   string   `yaml:"deescalate,omitempty"`
	EscalateAuth bool     `yaml:"escalate-auth,omitempty"`
}

type platformView struct {
	PlatformType       string               `yaml:"platform-type"`
	DriverType         string               `yaml:"driver-type"`
	DefaultLevel       string               `yaml:"default-desired-privilege-level"`
	FailedWhenContains []string             `yaml:"failed-when-contains,omitempty"`
	Levels             []levelView          `yaml:"privilege-levels"`
	OnOpen             []platform.Operation `yaml:"network-on-open,omitempty"`
	OnClose            []platform.Operation `yaml:"network-on-close,omitempty"`
	Warnings           []string             `yaml:"warnings,omitempty"`
}

func newPlatformView(def *platform.Definition) platformView {
	v := platformView{
		PlatformType:       def.PlatformType,
		DriverType:         string(def.DriverType),
		DefaultLevel:       def.DefaultDesiredPrivilegeLevel,
		FailedWhenContains: def.FailedWhenContains,
		OnOpen:             def.OnOpen,
		OnClose:            def.OnClose,
		Warnings:           def.Warnings(),
	}
	for _, lvl := range def.Levels() {
		v.Levels = append(v.Levels, levelView{
			Name:         lvl.Name,
			Pattern:      lvl.Pattern,
			NotContains:  lvl.NotContains,
			PreviousPriv: lvl.PreviousPriv,
			Escalate:     lvl.Escalate,
			Deescalate:   lvl.Deescalate,
			EscalateAuth: lvl.EscalateAuth,
		})
	}
	return v
}

func NewPlatformsCommand() *cobra.Command {
	var variant string
	cmd := &cobra.Command{
		Use:   "platforms [name]",
		Short: "List platform definitions or show one as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := getRuntime(cmd)
			reg, err := rt.registry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, name := range reg.Names() {
					def, err := reg.Get(name)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%-16s default=%-20s levels=%d\n", name, def.DefaultDesiredPrivilegeLevel, len(def.LevelOrder))
				}
				return nil
			}
			def, err := reg.Variant(args[0], variant)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(newPlatformView(def))
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "Merge the named variant before showing")
	return cmd
}

func NewValidateCommand() *cobra.Command {
	var variant string
	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate platform definition files, or the loaded catalog when no file is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var defs []*platform.Definition
			if len(args) == 0 {
				reg, err := getRuntime(cmd).registry()
				if err != nil {
					return err
				}
				for _, name := range reg.Names() {
					def, err := reg.Variant(name, variant)
					if err != nil {
						return err
					}
					defs = append(defs, def)
				}
			}
			failed := 0
			for _, path := range args {
				def, err := platform.LoadFile(path, variant)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				defs = append(defs, def)
			}
			for _, def := range defs {
				fmt.Fprintf(out, "ok   %s\n", def.PlatformType)
				for _, w := range def.Warnings() {
					fmt.Fprintf(out, "     warning: %s\n", w)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "Validate with the named variant merged")
	return cmd
}
