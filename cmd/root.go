package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "scout"}

	root.AddCommand(researchCMD(), templatesCMD(), migrateCMD())
	_ = root.Execute()
}
