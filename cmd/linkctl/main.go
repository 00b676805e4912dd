// Command linkctl mirrors one gateway session from the command line and can
// submit single commands to its plugin.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/stripcol/gateway/internal/link"
	"github.com/stripcol/gateway/internal/logger"
)

func main() {
	var (
		gateway  string
		code     string
		level    string
		watchdog time.Duration
		status   bool
		command  string
		args     map[string]string
		jsonArgs map[string]string
	)
	flag.StringVarP(&gateway, "gateway", "g", "http://127.0.0.1:3000", "gateway base URL")
	flag.StringVarP(&code, "code", "c", "", "link code to follow")
	flag.StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")
	flag.DurationVar(&watchdog, "watchdog", link.DefaultWatchdog, "stream health check interval")
	flag.BoolVar(&status, "status", false, "print gateway status and exit")
	flag.StringVar(&command, "command", "", "submit one command action and exit")
	flag.StringToStringVar(&args, "arg", nil, "command payload string entries (key=value)")
	flag.StringToStringVar(&jsonArgs, "json-arg", nil, "command payload entries holding JSON values (key=<json>)")
	flag.Parse()

	logger.Init("linkctl", level, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := link.New(gateway,
		link.WithWatchdog(watchdog),
		link.WithHandler(logUpdate),
	)
	l.SetCode(code)

	switch {
	case status:
		st, err := l.Status(ctx)
		if err != nil {
			log.Fatal().Err(err).Str("gateway", gateway).Msg("status request failed")
		}
		out, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(out))
		return

	case command != "":
		body, err := payload(args, jsonArgs)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid command payload")
		}
		if err := l.Command(ctx, command, body); err != nil {
			log.Fatal().Err(err).Str("action", command).Msg("command rejected")
		}
		log.Info().Str("action", command).Str("code", l.Code()).Msg("command accepted")
		return
	}

	if code == "" {
		log.Fatal().Msg("--code is required to follow a session")
	}
	if err := l.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("link stopped")
	}
}

// payload builds a command body. Plain entries are sent as strings so
// values like squawk codes keep their leading zeros; JSON entries are sent
// as decoded and win over plain entries with the same key.
func payload(args, jsonArgs map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(args)+len(jsonArgs))
	for k, v := range args {
		out[k] = v
	}
	for k, v := range jsonArgs {
		if !json.Valid([]byte(v)) {
			return nil, fmt.Errorf("--json-arg %s: invalid JSON value %q", k, v)
		}
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

func logUpdate(u link.Update) {
	ev := log.Info().Str("kind", u.Kind).Str("code", u.Code)
	switch u.Kind {
	case link.UpdateState:
		ev = ev.Str("state", u.State.String())
	case link.UpdateReset, link.UpdateSnapshot:
	default:
		if u.Callsign != "" {
			ev = ev.Str("callsign", u.Callsign)
		}
		if len(u.Data) > 0 {
			ev = ev.RawJSON("data", u.Data)
		}
	}
	ev.Msg("link update")
}
