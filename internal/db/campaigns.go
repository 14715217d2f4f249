package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/arctek/awc/kanban"
)

// CreateCampaign validates and inserts a campaign.
func (s *Store) CreateCampaign(c *kanban.Campaign) error {
	if strings.TrimSpace(c.Name) == "" {
		return kanban.Validationf("campaign name is required")
	}
	if _, err := s.GetProject(c.ProjectID); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = "active"
	}
	if c.ID == "" {
		c.ID = kanban.NewID()
	}
	now := kanban.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.exec(`
		INSERT INTO campaigns (id, project_id, name, description, status, baseline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ProjectID, c.Name, nullString(c.Description), c.Status,
		marshalMetrics(c.Baseline), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func marshalMetrics(m *kanban.CodebaseMetrics) any {
	if m == nil {
		return nil
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func unmarshalMetrics(v sql.NullString) *kanban.CodebaseMetrics {
	if !v.Valid || v.String == "" {
		return nil
	}
	var m kanban.CodebaseMetrics
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil
	}
	return &m
}

const campaignColumns = `id, project_id, name, description, status, baseline, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*kanban.Campaign, error) {
	var (
		c           kanban.Campaign
		description sql.NullString
		baseline    sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &description, &c.Status, &baseline, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Description = description.String
	c.Baseline = unmarshalMetrics(baseline)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// GetCampaign returns the campaign or a NotFound error.
func (s *Store) GetCampaign(id string) (*kanban.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.NotFoundf("campaign %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns a project's campaigns, newest first.
func (s *Store) ListCampaigns(projectID string) ([]kanban.Campaign, error) {
	rows, err := s.db.Query(`SELECT `+campaignColumns+` FROM campaigns WHERE project_id = ? ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []kanban.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// CampaignUpdate is a partial campaign patch.
type CampaignUpdate struct {
	Name        *string
	Description *string
	Status      *string
}

// UpdateCampaign applies a partial patch and bumps updatedAt.
func (s *Store) UpdateCampaign(id string, upd CampaignUpdate) (*kanban.Campaign, error) {
	var out *kanban.Campaign
	err := s.db.transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
		c, err := scanCampaign(row)
		if errors.Is(err, sql.ErrNoRows) {
			return kanban.NotFoundf("campaign %s", id)
		}
		if err != nil {
			return err
		}
		if upd.Name != nil {
			if strings.TrimSpace(*upd.Name) == "" {
				return kanban.Validationf("campaign name cannot be empty")
			}
			c.Name = *upd.Name
		}
		if upd.Description != nil {
			c.Description = *upd.Description
		}
		if upd.Status != nil {
			c.Status = *upd.Status
		}
		c.UpdatedAt = kanban.Now()
		_, err = tx.Exec(`UPDATE campaigns SET name = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`,
			c.Name, nullString(c.Description), c.Status, toMillis(c.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("failed to update campaign: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

// SetCampaignBaseline pins the metrics snapshot future reports diff against.
// The first snapshot wins; later calls are no-ops so a mid-campaign restart
// cannot shift the goalposts.
func (s *Store) SetCampaignBaseline(id string, m kanban.CodebaseMetrics) (*kanban.Campaign, error) {
	var out *kanban.Campaign
	err := s.db.transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
		c, err := scanCampaign(row)
		if errors.Is(err, sql.ErrNoRows) {
			return kanban.NotFoundf("campaign %s", id)
		}
		if err != nil {
			return err
		}
		if c.Baseline != nil {
			out = c
			return nil
		}
		c.Baseline = &m
		c.UpdatedAt = kanban.Now()
		_, err = tx.Exec(`UPDATE campaigns SET baseline = ?, updated_at = ? WHERE id = ?`,
			marshalMetrics(c.Baseline), toMillis(c.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("failed to set campaign baseline: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

// CampaignCardStats reports how many of a campaign's cards exist and how
// many have reached merge_verified. The synthesizer closes a campaign when
// the two are equal and nonzero.
func (s *Store) CampaignCardStats(id string) (total, mergeVerified int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN verification_status = ? THEN 1 ELSE 0 END), 0)
		FROM kanban_cards WHERE campaign_id = ?
	`, kanban.VerifyMergeVerified, id).Scan(&total, &mergeVerified)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count campaign cards: %w", err)
	}
	return total, mergeVerified, nil
}
