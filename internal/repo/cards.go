package repo

import (
	"context"
	"database/sql"
	"fmt"

	"punchd/internal/domain"
)

// ListRequirements returns the rules of a card, required rules first.
func (r Repo) ListRequirements(ctx context.Context, cardID string) ([]domain.Requirement, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT card_id,punch_type,punch_key_pattern,required,COALESCE(description,'')
FROM punch_card_requirements WHERE card_id=? ORDER BY required DESC, punch_type ASC, punch_key_pattern ASC`), cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Requirement
	for rows.Next() {
		var req domain.Requirement
		var pt string
		if err := rows.Scan(&req.CardID, &pt, &req.PunchKeyPattern, &req.Required, &req.Description); err != nil {
			return nil, err
		}
		req.PunchType = domain.PunchType(pt)
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListCardIDs returns the distinct card ids that have rules.
func (r Repo) ListCardIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT card_id FROM punch_card_requirements ORDER BY card_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceCardTx swaps the full rule set of a card. This is the out-of-band
// configuration path; ingestion and validation never call it.
func (r Repo) ReplaceCardTx(ctx context.Context, tx *sql.Tx, cardID string, reqs []domain.Requirement) error {
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM punch_card_requirements WHERE card_id=?`), cardID); err != nil {
		return fmt.Errorf("clear card %s: %w", cardID, err)
	}
	for _, req := range reqs {
		if req.CardID != cardID {
			return fmt.Errorf("rule %s belongs to card %s, not %s", req.Ref(), req.CardID, cardID)
		}
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO punch_card_requirements(card_id,punch_type,punch_key_pattern,required,description) VALUES (?,?,?,?,?)`),
			req.CardID, string(req.PunchType), req.PunchKeyPattern, req.Required, nullable(req.Description)); err != nil {
			return fmt.Errorf("insert rule %s: %w", req.Ref(), err)
		}
	}
	return nil
}
