// agentctl is a command-line client for the agentd HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/agentcore/agentcore/pkg/util/contextutil"
)

const defaultAddr = "http://127.0.0.1:7580"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: agentctl [-addr %s] <command> [arguments]

agent commands:
  create <name> [-capabilities a,b] [-max-restarts n]   provision an agent
  list                                                  list agents
  get <agent>                                           show one agent
  activate | deactivate | suspend | resume <agent>      lifecycle actions
  restart <agent>                                       restart an agent
  shutdown <agent> [-hard]                              terminate an agent
  remove <agent>                                        terminate and forget

work commands:
  generate <agent> -prompt <text> [-model m] [-max-tokens n] [-stream]

inspection commands:
  health <agent>        component health checks
  history <agent>       lifecycle transition history
  events [-agent id] [-type t] [-limit n]               archived events
  admission             rate-limit windows and queue depth
  retries               retry coordinator statistics
`, defaultAddr)
	os.Exit(2)
}

func main() {
	var addr string
	flag.StringVar(&addr, "addr", defaultAddr, "agentd base URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	ctx := contextutil.SetupSignals(context.Background())
	c := &client{base: strings.TrimRight(addr, "/")}

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "create":
		err = c.create(ctx, rest)
	case "list":
		err = c.getJSON(ctx, "/api/v1/agents")
	case "get":
		err = c.agentJSON(ctx, rest, "")
	case "activate", "deactivate", "suspend", "resume", "restart":
		err = c.lifecycle(ctx, rest, cmd)
	case "shutdown":
		err = c.shutdown(ctx, rest)
	case "remove":
		err = c.remove(ctx, rest)
	case "generate":
		err = c.generate(ctx, rest)
	case "health":
		err = c.agentJSON(ctx, rest, "/health")
	case "history":
		err = c.agentJSON(ctx, rest, "/history")
	case "events":
		err = c.events(ctx, rest)
	case "admission":
		err = c.getJSON(ctx, "/api/v1/admission")
	case "retries":
		err = c.getJSON(ctx, "/api/v1/retries")
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentctl:", err)
		os.Exit(1)
	}
}
