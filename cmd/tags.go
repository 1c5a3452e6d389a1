package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/wegman-software/osmsql-go/internal/store"
)

var tagsCmd = &cobra.Command{
	Use:   "tags <node|way|relation> [key]...",
	Short: "List unique tag combinations",
	Long: `Print every distinct combination of the given keys found on entities of
one kind, one JSON object per line. Without keys all tags are considered.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runTags,
}

func init() {
	rootCmd.AddCommand(tagsCmd)
}

func runTags(cmd *cobra.Command, args []string) {
	kind, err := parseKind(args[0])
	if err != nil {
		exitWithError("invalid kind", err)
	}

	ctx, cancel := commandContext()
	defer cancel()

	opts := storeOptions()
	opts.CreateSchema = false
	r, err := store.OpenReader(ctx, opts)
	if err != nil {
		exitWithError("failed to open reader", err)
	}
	defer r.Close()

	combos, err := r.UniqueTagCombinations(ctx, kind, args[1:])
	if err != nil {
		exitWithError("tag query failed", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, tags := range combos {
		if err := enc.Encode(tags.Map()); err != nil {
			exitWithError("failed to write output", err)
		}
	}
}
