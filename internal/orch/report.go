// SPDX-License-Identifier: MIT

package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/openleads/scraperd/internal/model"
)

// report is the durable completion artifact, one JSON file per session under
// dataDir/reports.
type report struct {
	SessionID   string                `json:"sessionId"`
	UserID      string                `json:"userId"`
	Status      model.SessionStatus   `json:"status"`
	Config      model.SessionConfig   `json:"config"`
	Summary     *model.SessionSummary `json:"summary,omitempty"`
	Processed   int                   `json:"processedBusinesses"`
	Percent     float64               `json:"progressPercent"`
	GeneratedAt time.Time             `json:"generatedAt"`
}

// writeReport persists the completion report. renameio fsyncs before the
// rename, so a crash mid-write never leaves a torn file under the final
// name.
func (sr *sessionRun) writeReport(ctx context.Context) error {
	sess, err := sr.o.store.GetSession(ctx, sr.sess.ID)
	if err != nil {
		return fmt.Errorf("load session for report: %w", err)
	}

	dir := filepath.Join(sr.o.cfg.Scraper.DataDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, sess.ID+".json")

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending report: %w", err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			sr.logger.Debug().Err(cerr).Msg("pending report cleanup")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		Status:      sess.State.Status,
		Config:      sess.Config,
		Summary:     sess.Summary,
		Processed:   sess.State.ProcessedBusinesses,
		Percent:     sess.State.ProgressPercent,
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace report: %w", err)
	}
	sr.logger.Info().Str("path", path).Msg("session report written")
	return nil
}
