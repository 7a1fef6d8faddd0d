package main

import (
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var sampleMaxPoints int

var inspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Print the dimensions, variables and coordinates of a local dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		uc, st := newDatasetUseCase(cfg, logger)
		defer st.Close()

		resp, err := uc.Inspect(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

var sampleCmd = &cobra.Command{
	Use:   "sample <path> <variable>",
	Short: "Sample a variable of a local dataset and print its statistics",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		uc, st := newDatasetUseCase(cfg, logger)
		defer st.Close()

		resp, err := uc.SampleFile(cmd.Context(), args[0], args[1], sampleMaxPoints)
		if err != nil {
			return err
		}
		return printJSON(cmd, struct {
			Variable   string `json:"variable"`
			Statistics any    `json:"statistics"`
		}{resp.Variable.Name, resp.Statistics})
	},
}

func init() {
	sampleCmd.Flags().IntVar(&sampleMaxPoints, "max-points", 0, "Point budget (0 uses DEFAULT_MAX_POINTS)")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
