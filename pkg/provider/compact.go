package provider

import (
	"context"
	"log/slog"
)

// maybeCompact rewrites the append log as a single snapshot when this was
// the last viewer and the log holds enough deltas to be worth folding.
// Compaction bounds log size; it is never required for correctness, so
// every failure here is logged and dropped and teardown is never blocked.
//
// Two near-simultaneous last-viewers can both pass the presence check; the
// atomic ReplaceAll keeps the final log consistent (one snapshot), but a
// fresh delta appended while the replace is in flight can be lost. This is
// an accepted rare edge rather than a reason for distributed locking.
func (p *Provider) maybeCompact() {
	ctx := context.Background()

	remaining, err := p.cfg.Presence.Read(ctx, p.presPath)
	if err != nil {
		slog.Error("compaction skipped: failed to read presence", "doc", p.cfg.DocID, "err", err)
		return
	}
	if len(remaining) != 0 {
		return
	}

	entries, err := p.cfg.Log.ReadOrdered(ctx, p.logPath)
	if err != nil {
		slog.Error("compaction skipped: failed to read log", "doc", p.cfg.DocID, "err", err)
		return
	}
	if len(entries) < compactionMinDeltas {
		return
	}

	snapshot := p.cfg.Doc.Snapshot()
	// Reuse the newest delta's key so the snapshot occupies the position
	// of the history it replaces.
	key := entries[len(entries)-1].Key
	if err := p.cfg.Log.ReplaceAll(ctx, p.logPath, key, snapshot); err != nil {
		slog.Error("compaction failed", "doc", p.cfg.DocID, "err", err)
		return
	}
	slog.Info("compacted log", "doc", p.cfg.DocID, "replaced", len(entries), "key", key)
}
