package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/store"
)

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCBOR ExportFormat = "cbor"
)

// ExportFilter bounds which sessions an export covers.
type ExportFilter struct {
	UserID     string
	Limit      int
	Offset     int
	ActiveOnly bool
}

// Export serializes a bounded page of a user's sessions. A thin convenience
// for the export/analytics collaborators, not core logic.
func (c *Coordinator) Export(ctx context.Context, filter ExportFilter, format ExportFormat) ([]byte, error) {
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	sessions, err := c.primary.ListByUser(octx, filter.UserID, store.ListOptions{
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		ActiveOnly: filter.ActiveOnly,
	})
	if err != nil {
		return nil, err
	}
	return encodeSessions(sessions, format)
}

func encodeSessions(sessions []*internal.Session, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportCBOR:
		return cbor.Marshal(sessions)
	case ExportJSON, "":
		return json.Marshal(sessions)
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

type backupSnapshot struct {
	TakenAt  time.Time           `cbor:"1,keyasint"`
	Sessions []*internal.Session `cbor:"2,keyasint"`
}

// writeBackup snapshots the hot session set (everything currently cached) to
// the backup path. CBOR keeps the snapshots compact; they are a recovery aid,
// not a consistency mechanism.
func (c *Coordinator) writeBackup() error {
	items := c.cache.Items()
	snap := backupSnapshot{TakenAt: time.Now().UTC()}
	for _, item := range items {
		snap.Sessions = append(snap.Sessions, item.Value().Copy())
	}
	data, err := cbor.Marshal(&snap)
	if err != nil {
		return err
	}
	tmp := c.cfg.BackupPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.cfg.BackupPath); err != nil {
		return err
	}
	logger.Info().Int("sessions", len(snap.Sessions)).Str("path", c.cfg.BackupPath).Msg("session backup written")
	return nil
}

// ReadBackup loads a snapshot previously written by the backup hook.
func ReadBackup(path string) ([]*internal.Session, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var snap backupSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, time.Time{}, err
	}
	return snap.Sessions, snap.TakenAt, nil
}
