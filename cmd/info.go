package cmd

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/semvit/semvit/format"
	"github.com/semvit/semvit/ml"
	"github.com/semvit/semvit/model"
)

func infoHandler(cmd *cobra.Command, args []string) error {
	weightsPath, _ := cmd.Flags().GetString("weights")

	kv, _, err := loadModel(weightsPath)
	if err != nil {
		return err
	}

	specs, err := model.Manifest(kv)
	if err != nil {
		return err
	}

	type group struct {
		tensors int
		params  uint64
	}

	groups := make(map[string]*group)
	var total uint64
	for _, spec := range specs {
		name, _, _ := strings.Cut(spec.Name, ".")
		g, ok := groups[name]
		if !ok {
			g = &group{}
			groups[name] = g
		}

		n := uint64(1)
		for _, dim := range spec.Shape {
			n *= uint64(dim)
		}

		g.tensors++
		g.params += n
		total += n
	}

	fmt.Printf("architecture: %s\n", kv.Architecture())
	fmt.Printf("parameters:   %s\n", format.HumanNumber(total))
	fmt.Printf("size:         %s\n\n", format.HumanBytes(int64(total*4)))

	names := maps.Keys(groups)
	sortGroups(names, specs)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Component", "Tensors", "Parameters"})
	for _, name := range names {
		g := groups[name]
		table.Append([]string{name, strconv.Itoa(g.tensors), format.HumanNumber(g.params)})
	}
	table.Render()

	return nil
}

// sortGroups orders component names by their first appearance in the
// manifest so the table follows the forward pass.
func sortGroups(names []string, specs []ml.TensorSpec) {
	order := make(map[string]int, len(names))
	for i, spec := range specs {
		name, _, _ := strings.Cut(spec.Name, ".")
		if _, ok := order[name]; !ok {
			order[name] = i
		}
	}

	slices.SortFunc(names, func(a, b string) int {
		return order[a] - order[b]
	})
}
