package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/automerge/automerge-go"

	"github.com/driftpad/padsync/pkg/provider"
	"github.com/driftpad/padsync/pkg/remote"
	"github.com/driftpad/padsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	serverVar := flag.String("server", "", "fetch and replay the doc's delta log from this sync server instead of reading a file")
	docVar := flag.String("doc", "", "the doc id to fetch when -server is set")
	svgVar := flag.String("svg", "", "render the change graph to this SVG file")
	pathVar := flag.String("path", "", "dot-separated path to the value shown in graph node labels")
	flag.Parse()

	var doc *automerge.Doc
	var err error
	if *serverVar != "" {
		if *docVar == "" {
			return fmt.Errorf("-doc is required with -server")
		}
		doc, err = replayLog(*serverVar, *docVar)
	} else {
		if flag.NArg() != 1 {
			return fmt.Errorf("expected one positional argument: the snapshot file to read")
		}
		doc, err = loadSnapshot(flag.Arg(0))
	}
	if err != nil {
		return err
	}

	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if *svgVar != "" {
		if err := viz.RenderHistoryFile(doc, valuePath(*pathVar), *svgVar); err != nil {
			return fmt.Errorf("failed to render change graph: %w", err)
		}
		slog.Info("wrote change graph", "path", *svgVar)
	}
	return nil
}

func loadSnapshot(path string) (*automerge.Doc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

// replayLog rebuilds the document by applying every record of its delta
// log in order, the same way a joining client would.
func replayLog(server, docID string) (*automerge.Doc, error) {
	client, err := remote.New(server)
	if err != nil {
		return nil, fmt.Errorf("failed to build client: %w", err)
	}
	entries, err := client.ReadOrdered(context.Background(), provider.LogPath(docID))
	if err != nil {
		return nil, fmt.Errorf("failed to read delta log: %w", err)
	}
	slog.Info("replaying delta log", "doc", docID, "records", len(entries))
	doc := automerge.New()
	for _, e := range entries {
		if err := doc.LoadIncremental(e.Blob); err != nil {
			return nil, fmt.Errorf("failed to apply record %s: %w", e.Key, err)
		}
	}
	return doc, nil
}

func valuePath(spec string) []any {
	if spec == "" {
		return nil
	}
	parts := strings.Split(spec, ".")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, p)
	}
	return out
}
