package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"tiller/pkg/tiller"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tiller-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                       Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                        Show daemon status\n")
	fmt.Fprintf(os.Stderr, "  positions                     List positions\n")
	fmt.Fprintf(os.Stderr, "  arm -symbol S -side long|short -trigger P -stop P\n")
	fmt.Fprintf(os.Stderr, "                                Arm a breakout position\n")
	fmt.Fprintf(os.Stderr, "  disarm <position-id>          Remove an armed position\n")
	fmt.Fprintf(os.Stderr, "  events <position-id>          Print a position's event log\n")
	fmt.Fprintf(os.Stderr, "  panic [position-id]           Close one (or all) active positions\n")
	fmt.Fprintf(os.Stderr, "  clear <position-id>           Acknowledge a recoverable error\n")
	fmt.Fprintf(os.Stderr, "\nThe daemon address comes from TILLER_ADDR (default http://127.0.0.1:8080).\n")
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	addr := "http://127.0.0.1:8080"
	if v := os.Getenv("TILLER_ADDR"); v != "" {
		addr = v
	}
	client := tiller.NewClient(addr)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("tiller-cli %s\n", version)
	case "status":
		err = runStatus(ctx, client)
	case "positions":
		err = runPositions(ctx, client)
	case "arm":
		err = runArm(ctx, client, os.Args[2:])
	case "disarm":
		err = runDisarm(ctx, client, os.Args[2:])
	case "events":
		err = runEvents(ctx, client, os.Args[2:])
	case "panic":
		err = runPanic(ctx, client, os.Args[2:])
	case "clear":
		err = runClear(ctx, client, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(args []string, command string) (uuid.UUID, error) {
	if len(args) < 1 {
		return uuid.UUID{}, fmt.Errorf("%s requires a position id", command)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid position id %q: %w", args[0], err)
	}
	return id, nil
}

func runStatus(ctx context.Context, client *tiller.Client) error {
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runPositions(ctx context.Context, client *tiller.Client) error {
	positions, err := client.Positions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		fmt.Printf("%s  %-8s %-6s %-8s", pos.ID, pos.Symbol, pos.Side, pos.State)
		if pos.Active != nil {
			fmt.Printf("  stop=%s price=%s", pos.Active.TrailingStop, pos.Active.CurrentPrice)
		}
		if pos.Err != nil {
			fmt.Printf("  error=%q recoverable=%v", pos.Err.Message, pos.Err.Recoverable)
		}
		fmt.Println()
	}
	return nil
}

func runArm(ctx context.Context, client *tiller.Client, args []string) error {
	fs := flag.NewFlagSet("arm", flag.ExitOnError)
	symbol := fs.String("symbol", "", "instrument symbol")
	side := fs.String("side", "long", "position side: long or short")
	trigger := fs.String("trigger", "", "breakout trigger price")
	stop := fs.String("stop", "", "technical invalidation price")
	fs.Parse(args)

	if *symbol == "" || *trigger == "" || *stop == "" {
		return fmt.Errorf("arm requires -symbol, -trigger, and -stop")
	}
	pos, err := client.Arm(ctx, tiller.ArmRequest{
		Symbol:   *symbol,
		Side:     *side,
		Detector: "breakout",
		Params:   map[string]string{"trigger": *trigger, "stop": *stop},
	})
	if err != nil {
		return err
	}
	fmt.Printf("armed %s\n", pos.ID)
	return nil
}

func runDisarm(ctx context.Context, client *tiller.Client, args []string) error {
	id, err := parseID(args, "disarm")
	if err != nil {
		return err
	}
	if err := client.Disarm(ctx, id); err != nil {
		return err
	}
	fmt.Printf("disarmed %s\n", id)
	return nil
}

func runEvents(ctx context.Context, client *tiller.Client, args []string) error {
	id, err := parseID(args, "events")
	if err != nil {
		return err
	}
	events, err := client.Events(ctx, id)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%s  %-24s %s\n", ev.At.Format(time.RFC3339), ev.Type, ev.Data)
	}
	return nil
}

func runPanic(ctx context.Context, client *tiller.Client, args []string) error {
	if len(args) == 0 {
		closed, err := client.PanicAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("closed %d position(s)\n", closed)
		return nil
	}
	id, err := parseID(args, "panic")
	if err != nil {
		return err
	}
	pos, err := client.Panic(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("position %s is %s\n", pos.ID, pos.State)
	return nil
}

func runClear(ctx context.Context, client *tiller.Client, args []string) error {
	id, err := parseID(args, "clear")
	if err != nil {
		return err
	}
	pos, err := client.ClearError(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("position %s is %s\n", pos.ID, pos.State)
	return nil
}
