package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/semvit/semvit/convert"
	"github.com/semvit/semvit/format"
)

func convertHandler(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := convert.ConvertModel(args[0], f); err != nil {
		return err
	}

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	fmt.Printf("wrote %s (%s)\n", output, format.HumanBytes(fi.Size()))
	return nil
}
