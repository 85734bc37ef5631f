// Command grievanced runs the complaint event pipeline: the outbox relay, the
// escalation timer consumer and the websocket fan-out, plus operator tooling
// for migrations and failed events.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
