package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seqlab/benchd/internal/protocol"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	var assetFile string

	cmd := &cobra.Command{
		Use:   "validate <protocol-dir>",
		Short: "Validate protocol definitions without starting the daemon",
		Long: `Validate every protocol YAML file under a directory: structure, slot
references, effect contracts, and parameter schemas. Nothing is written
to the database.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := protocol.LoadDir(args[0])
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				return fmt.Errorf("no protocol files found under %s", args[0])
			}
			out := cmd.OutOrStdout()
			for _, def := range defs {
				fmt.Fprintf(out, "%s v%d: %s (%d slots, %d steps)\n",
					def.ID, def.Version, def.Name, len(def.Requirements), len(def.Steps))
			}
			fmt.Fprintf(out, "%d protocols valid\n", len(defs))

			if assetFile != "" {
				assets, err := protocol.LoadAssetFile(assetFile)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d assets valid\n", len(assets))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&assetFile, "assets", "", "asset inventory YAML to validate as well")

	return cmd
}
