package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/bundlehost/archive"
)

// NewManifestCommand groups the manifest tools.
func NewManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Work with bundle manifests",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.AddCommand(newManifestValidateCommand())
	return cmd
}

func newManifestValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bundle dir or manifest file>...",
		Short: "Parse and validate bundle manifests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				m, err := loadManifest(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s (%d provided, %d required)\n",
					path, m.SymbolicName, m.Version, len(m.Provides), len(m.Requires))
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", archive.ErrManifestInvalid, failed, len(args))
			}
			return nil
		},
	}
}

func loadManifest(path string) (archive.Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return archive.Manifest{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return archive.FindManifest(path)
	}
	return archive.LoadManifestFile(path)
}
