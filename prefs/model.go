package prefs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Preference is one stored value. Value holds JSON.
type Preference struct {
	bun.BaseModel `bun:"table:preferences,alias:pref"`

	ID        uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID    string    `bun:"user_id,notnull" json:"user_id"`
	Name      string    `bun:"name,notnull" json:"name"`
	Value     string    `bun:"value,notnull" json:"value"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// Decode unmarshals the stored value into dst.
func (p *Preference) Decode(dst any) error {
	if err := json.Unmarshal([]byte(p.Value), dst); err != nil {
		return fmt.Errorf("prefs: decode %s: %w", p.Name, err)
	}
	return nil
}
