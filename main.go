// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/lurelab/decoy/internal"
)

func main() {
	internal.Start()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	internal.Stop()
}
