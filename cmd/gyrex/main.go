package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gyrex/internal/cli"
	"gyrex/internal/models/config"
)

func main() {
	handlers := []config.JobHandler{
		{TypeID: "gyrex.echo", Func: echo},
	}

	if err := cli.BuildCLI(handlers...).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// echo prints its parameters, handy to try out schedules.
func echo(ctx context.Context, parameter map[string]string) error {
	keys := make([]string, 0, len(parameter))
	for k := range parameter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+parameter[k])
	}
	fmt.Println("echo", strings.Join(pairs, " "))
	return nil
}
