/*
main.go - Application entry point

PURPOSE:
  Starts the patient engagement engine. The binary is a small cobra CLI:
  "serve" runs the HTTP API, the reconciliation scheduler and the optional
  Kafka consumer; the other commands inspect or operate on the same store.

COMMANDS:
  serve                     HTTP API + scheduler + Kafka consumer
  reconcile                 One reconciliation pass, exits 1 on mismatch
  account <patient>         Print an account and its achievement progress
  leaderboard <challenge>   Print a challenge leaderboard
  catalog validate <file>   Check a catalog document
  catalog show              Print the effective catalog
  config show               Print the effective configuration
  emit                      Publish one event to Kafka

CONFIGURATION:
  --config points at a TOML file; ENGAGEMENT_* variables override it.
  See config/config.go for every key.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM serve:
  1. Stops accepting new connections
  2. Waits for active requests (server.shutdown_timeout)
  3. Stops the Kafka consumer and the scheduler
  4. Closes the store

EXAMPLES:
  # In-memory store, built-in catalog
  ./server serve

  # SQLite store on port 3000
  ENGAGEMENT_STORE_DRIVER=sqlite ENGAGEMENT_SERVER_PORT=3000 ./server serve

  # Check the ledger offline
  ./server reconcile --config engagement.toml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration sources
  - ingest/kafka.go: Kafka consumer and publisher
*/
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}
