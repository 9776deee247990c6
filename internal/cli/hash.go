package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/h8rt3rmin8r/faceforge/internal/contenthash"
)

var hashCmd = &cobra.Command{
	Use:   "hash <file>...",
	Short: "Print the asset id of files",
	Long: `Print the asset id each file would be stored under, in the same
format as sha256sum.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runHash,
}

func init() {
	rootCmd.AddCommand(hashCmd)
}

func runHash(cmd *cobra.Command, args []string) error {
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		d, _, err := contenthash.Sum(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("hash %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", d, path)
	}
	return nil
}
