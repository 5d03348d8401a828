// Package viz renders a document's change history as a graphviz DAG, one
// node per change, with edges following the dependency hashes. Useful for
// eyeballing how concurrent edits from different writers merged.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderHistory writes an SVG of doc's change graph to out. Each node is
// labelled with the short change hash, the writer and its sequence number,
// and the JSON value found at valuePath in the document as of that change
// (null if unset at the time).
func RenderHistory(doc *automerge.Doc, valuePath []any, out io.Writer) error {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(nodeLabel(doc, change, valuePath))
		nodes[n.Name()] = n

		for _, dep := range change.Dependencies() {
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), nodes[dep.String()], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	_, err = out.Write(buff.Bytes())
	return err
}

// RenderHistoryFile renders the change graph to an SVG file at outputPath.
func RenderHistoryFile(doc *automerge.Doc, valuePath []any, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	return RenderHistory(doc, valuePath, f)
}

func nodeLabel(doc *automerge.Doc, change *automerge.Change, valuePath []any) string {
	var raw any
	if docAt, err := doc.Fork(change.Hash()); err == nil {
		if value, err := docAt.Path(valuePath...).Get(); err == nil {
			raw = value.Interface()
		}
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		encoded = []byte("?")
	}
	return fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), string(encoded))
}
