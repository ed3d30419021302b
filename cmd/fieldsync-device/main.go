// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/mobiletoly/go-fieldsync/internal/cli"
)

func main() {
	if err := cli.NewDeviceCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
