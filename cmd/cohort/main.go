// Command cohort runs a pre-forking worker cluster. The same binary is the
// master ("cohort start") and, re-executed, every worker ("cohort worker").
package main

import (
	"fmt"
	"os"

	"github.com/turtacn/Cohort/internal/cli"
	"github.com/turtacn/Cohort/pkg/logger"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			if logger.Log != nil {
				logger.Log.Error("Panic recovered", "panic", r, "pid", os.Getpid())
			} else {
				fmt.Fprintf(os.Stderr, "Panic recovered in %d: %v\n", os.Getpid(), r)
			}
			os.Exit(1)
		}
	}()

	cli.Execute()
}

// Personal.AI order the ending
