package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// The result was already printed; only the exit status is left.
		if errors.Is(err, errUploadFailed) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
