package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/impact/internal/encoding"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <token>...",
	Short: "Decode encoded report values",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		for _, token := range args {
			s, err := encoding.Decode(token)
			if err != nil {
				return fmt.Errorf("decoding %q: %w", token, err)
			}
			fmt.Println(s)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}
