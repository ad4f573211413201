package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gewegate/internal/store"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Lint a config file without starting the gateway",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := resolveConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
				os.Exit(1)
			}
			problems := store.Lint(data)
			if len(problems) == 0 {
				fmt.Printf("%s: ok\n", path)
				return
			}
			for _, p := range problems {
				fmt.Fprintf(os.Stderr, "%s: %s\n", path, p)
			}
			os.Exit(1)
		},
	}
}
