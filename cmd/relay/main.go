// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay runs and administers the AleutianRelay messaging relay.
//
// # Configuration
//
// Configuration is layered: built-in defaults, then the YAML file named by
// --config (or RELAY_CONFIG), then RELAY_* environment variables. See
// services/relay.Config for every key.
//
// # Usage
//
//	relay serve --config relay.yaml
//	relay ledger show u1
//	relay ledger grant u1 --referrer u0
//	relay credentials list
//
// The ledger and credentials commands open the database directly and must
// not run while a server holds it.
package main

import (
	"fmt"
	"os"

	_ "time/tzdata"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
