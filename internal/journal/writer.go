// Package journal records every task and feature status change in the same
// transaction as the change itself.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maf/internal/repo"
)

type Writer struct {
	Now func() time.Time
}

type Detail map[string]any

func (w Writer) Append(ctx context.Context, tx repo.Querier, entityKind, entityID, from, to string, detail Detail) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if detail == nil {
		detail = Detail{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal journal detail: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO state_log(ts,entity_kind,entity_id,from_status,to_status,detail_json) VALUES (?,?,?,?,?,?)`,
		repo.FormatTime(now()), entityKind, entityID, nullable(from), to, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
