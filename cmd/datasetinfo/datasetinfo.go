package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/teachable/pkg/dataset"
)

func check(err error) {
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

// Print a summary of an exported dataset file, and optionally convert it to the current format
func main() {
	parser := argparse.NewParser("datasetinfo", "Inspect or convert a classifier dataset file")
	input := parser.String("i", "input", &argparse.Options{Help: "Dataset file (eg model.json)", Required: true})
	width := parser.Int("w", "width", &argparse.Options{Help: "Embedding width, for legacy files that don't record it", Default: 0})
	convert := parser.String("", "convert", &argparse.Options{Help: "Write the dataset in the current format to this file", Default: ""})
	modelID := parser.String("", "model", &argparse.Options{Help: "Model ID to record when converting (defaults to the model in the input file)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	raw, err := os.ReadFile(*input)
	check(err)
	f, err := dataset.DecodeFile(raw, *width)
	check(err)

	if f.Version == 0 {
		fmt.Printf("Format:   legacy (no version)\n")
	} else {
		fmt.Printf("Format:   version %v\n", f.Version)
	}
	fmt.Printf("Model:    %v\n", f.ModelID)
	fmt.Printf("Width:    %v\n", f.Dataset.Width)
	fmt.Printf("Examples: %v\n", f.Dataset.NumExamples())
	for _, label := range f.Dataset.SortedLabels() {
		fmt.Printf("  %-20v %v\n", label, f.Dataset.Labels[label].Rows())
	}

	if *convert != "" {
		model := f.ModelID
		if *modelID != "" {
			model = *modelID
		}
		out, err := dataset.Encode(f.Dataset, model)
		check(err)
		check(os.WriteFile(*convert, out, 0644))
		fmt.Printf("Wrote %v\n", *convert)
	}
}
