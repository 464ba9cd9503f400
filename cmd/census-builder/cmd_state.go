package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the working directory's build state",
	Long: `Fold the working directory's append-only state log and print the
resulting key/value view, sorted by key.`,
	RunE: runState,
}

func runState(cmd *cobra.Command, _ []string) error {
	a, err := loadArgs()
	if err != nil {
		return err
	}
	if a.State.Len() == 0 {
		cmd.Println("state log empty")
		return nil
	}
	for _, k := range a.State.Keys() {
		v, _ := a.State.Get(k)
		cmd.Println(fmt.Sprintf("%s: %v", k, v))
	}
	return nil
}
