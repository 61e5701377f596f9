package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/charlesren/netpriv/privilege"
)

func NewPathCommand() *cobra.Command {
	var platformName, variant, from, to string
	cmd := &cobra.Command{
		Use:   "path --platform NAME --from LEVEL [--to LEVEL]",
		Short: "Print the escalate/deescalate steps between two privilege levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if platformName == "" || from == "" {
				return errors.New("--platform and --from are required")
			}
			reg, err := getRuntime(cmd).registry()
			if err != nil {
				return err
			}
			def, err := reg.Variant(platformName, variant)
			if err != nil {
				return err
			}
			graph, err := privilege.NewGraph(def)
			if err != nil {
				return err
			}
			if to == "" {
				to = def.DefaultDesiredPrivilegeLevel
			}
			steps, err := graph.ComputePath(from, to)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(steps) == 0 {
				fmt.Fprintf(out, "already at %s\n", to)
				return nil
			}
			for i, s := range steps {
				auth := ""
				if s.AuthRequired {
					auth = " (auth)"
				}
				fmt.Fprintf(out, "%d. %-10s %s -> %s: %q%s\n", i+1, s.Direction, s.From, s.To, s.Command, auth)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&platformName, "platform", "p", "", "Platform type, e.g. cisco_iosxe")
	cmd.Flags().StringVar(&variant, "variant", "", "Platform variant")
	cmd.Flags().StringVar(&from, "from", "", "Current privilege level")
	cmd.Flags().StringVar(&to, "to", "", "Target privilege level (default level when empty)")
	return cmd
}
