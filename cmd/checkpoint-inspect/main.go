// Command checkpoint-inspect prints the snapshot keys recorded in a persistence
// context checkpoint.
//
// The blob backend is selected from PERSISTCTX_BLOB_* unless -root names a
// filesystem root directly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"persistctx/internal/blob"
	"persistctx/internal/core"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	exitFunc  = os.Exit
	openStore = func(ctx context.Context, root string) (blob.Store, error) {
		if root != "" {
			return blob.NewFilesystem(root)
		}
		return blob.Open(ctx)
	}
)

type entryReport struct {
	Key    string         `json:"key"`
	Type   string         `json:"type"`
	IDKind string         `json:"id_kind"`
	ID     string         `json:"id"`
	Names  []string       `json:"fields"`
	Values map[string]any `json:"values,omitempty"`
}

type report struct {
	Name       string        `json:"name"`
	ContextID  string        `json:"context_id"`
	CapturedAt time.Time     `json:"captured_at"`
	Count      int           `json:"count"`
	Entries    []entryReport `json:"entries"`
}

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("checkpoint-inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		root       string
		withFields bool
		timeout    time.Duration
	)
	fs.StringVar(&root, "root", "", "filesystem blob root (overrides PERSISTCTX_BLOB_DRIVER)")
	fs.BoolVar(&withFields, "fields", false, "include captured field values")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	fs.Usage = func() {
		_, _ = fmt.Fprintln(stderr, "usage: checkpoint-inspect [flags] <checkpoint-name>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	name := fs.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := openStore(ctx, root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open blob store: %v\n", err)
		return exitFailure
	}
	state, err := core.LoadCheckpoint(ctx, store, name)
	if err != nil {
		if core.IsCheckpointMissing(err) {
			_, _ = fmt.Fprintf(stderr, "checkpoint %s not found\n", name)
		} else {
			_, _ = fmt.Fprintf(stderr, "load checkpoint: %v\n", err)
		}
		return exitFailure
	}

	out, err := buildReport(name, state, withFields)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "inspect checkpoint: %v\n", err)
		return exitFailure
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		_, _ = fmt.Fprintf(stderr, "write report: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func buildReport(name string, state core.ContextState, withFields bool) (report, error) {
	out := report{
		Name:       name,
		ContextID:  state.ContextID,
		CapturedAt: state.CapturedAt,
		Count:      len(state.Snapshots),
		Entries:    make([]entryReport, 0, len(state.Snapshots)),
	}
	for _, entry := range state.Snapshots {
		key, err := entry.Key()
		if err != nil {
			return report{}, err
		}
		rep := entryReport{
			Key:    key.String(),
			Type:   string(entry.Type),
			IDKind: string(entry.IDKind),
			ID:     entry.ID,
			Names:  entry.Fields.Names(),
		}
		if withFields {
			rep.Values = entry.Fields.Fields()
		}
		out.Entries = append(out.Entries, rep)
	}
	return out, nil
}
