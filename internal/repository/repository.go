package repository

import (
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/domain"
	"github.com/lwesolowski/homeflux/internal/tariff"
)

// Repos reads the device and tariff registry. The database is the source
// of truth for what the collector should be connected to; re-reads feed
// the connection manager's Reconcile.
type Repos struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Repos { return &Repos{db: db} }

type deviceRow struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	Transport        string `db:"transport"`
	ConnectionConfig string `db:"connection_config"`
}

// ListDevices returns the active device set. A row with an unparseable
// connection config is skipped and logged; it never affects the others.
func (r *Repos) ListDevices() ([]domain.DeviceConfig, error) {
	var rows []deviceRow
	err := r.db.Select(&rows, `SELECT id, name, transport, connection_config FROM devices WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}

	out := make([]domain.DeviceConfig, 0, len(rows))
	for _, row := range rows {
		var params domain.ConnectionParams
		if err := json.Unmarshal([]byte(row.ConnectionConfig), &params); err != nil {
			log.Warn().Err(err).Str("device", row.ID).Msg("device skipped, bad connection config")
			continue
		}
		out = append(out, domain.DeviceConfig{
			ID:        row.ID,
			Name:      row.Name,
			Transport: row.Transport,
			Params:    params,
		})
	}
	return out, nil
}

type tariffRow struct {
	Name       string  `db:"name"`
	Kind       string  `db:"kind"`
	VAT        float64 `db:"vat"`
	Components string  `db:"components"`
}

type tariffComponents struct {
	Peak    tariff.Components `json:"peak"`
	OffPeak tariff.Components `json:"off_peak"`
}

// ListTariffs returns the active tariffs resolved into tagged variants.
// A malformed tariff row disables that tariff only.
func (r *Repos) ListTariffs() ([]tariff.Tariff, error) {
	var rows []tariffRow
	err := r.db.Select(&rows, `SELECT name, kind, vat, components FROM tariffs WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, err
	}

	out := make([]tariff.Tariff, 0, len(rows))
	for _, row := range rows {
		var comps tariffComponents
		if err := json.Unmarshal([]byte(row.Components), &comps); err != nil {
			log.Warn().Err(err).Str("tariff", row.Name).Msg("tariff skipped, bad components")
			continue
		}
		t, err := tariff.Resolve(row.Name, row.Kind, comps.Peak, comps.OffPeak, row.VAT)
		if err != nil {
			log.Warn().Err(err).Str("tariff", row.Name).Msg("tariff skipped")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
