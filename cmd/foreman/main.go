package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/foreman/internal/cmd"
	"github.com/Iron-Ham/foreman/internal/errors"
)

func main() {
	err := cmd.Execute()
	if err == nil {
		return
	}
	var exit *cmd.ExitCodeError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exit.Err)
		}
		os.Exit(exit.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(cmd.ExitError)
}
