package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "bert-pretrain",
		Short:         "BERT pretraining benchmark driver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(NewPretrainCommand())
	root.AddCommand(NewSynthCommand())

	if err := root.Execute(); err != nil {
		log.Error("run failed", "err", err)
		os.Exit(1)
	}
}
