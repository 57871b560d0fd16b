// Package snapshot persists last-known-good stall records to a local SQLite
// database so the resolver can serve cached results while offline. Writes are
// deferred (write-behind): the pressure monitor drains the resolver's persist
// queue into this store on its housekeeping tick.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eventlens/arscan/pkg/core"
)

// record is the persisted form of a stall snapshot. Stable identity fields
// get columns; the mutable overlay fields live in a JSON blob so schema
// migrations aren't needed every time the backend grows a field.
type record struct {
	Key        string `gorm:"primaryKey"`
	Marker     string `gorm:"index"`
	EventScope string `gorm:"index"`
	StallID    string
	Name       string
	Category   string
	Position   string
	Fields     datatypes.JSON
	FetchedAt  time.Time
}

func (record) TableName() string { return "stall_snapshots" }

// mutableFields is the JSON blob layout inside record.Fields.
type mutableFields struct {
	Status     string `json:"status"`
	Schedule   string `json:"schedule"`
	CrowdLevel string `json:"crowdLevel"`
}

// Store is a SQLite-backed snapshot store.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the snapshot database at path. An empty path uses
// an in-memory database, which is what tests want.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %s", err)
		}
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("migrating snapshot schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Key builds the primary key for a (marker, scope) pair.
func Key(marker core.MarkerID, scope core.EventScope) string {
	return string(marker) + "|" + string(scope)
}

// Save upserts stall snapshots. Records flagged Stale are skipped; a stale
// snapshot was itself served from this store and carries nothing new.
func (s *Store) Save(stalls ...core.Stall) error {
	for _, st := range stalls {
		if st.Stale {
			continue
		}
		blob, err := json.Marshal(mutableFields{
			Status:     st.Status,
			Schedule:   st.Schedule,
			CrowdLevel: st.CrowdLevel,
		})
		if err != nil {
			return fmt.Errorf("marshaling snapshot fields: %w", err)
		}
		rec := record{
			Key:        Key(st.Marker, st.EventScope),
			Marker:     string(st.Marker),
			EventScope: string(st.EventScope),
			StallID:    st.ID,
			Name:       st.Name,
			Category:   st.Category,
			Position:   st.Position,
			Fields:     datatypes.JSON(blob),
			FetchedAt:  st.FetchedAt,
		}
		if err := s.db.Save(&rec).Error; err != nil {
			return fmt.Errorf("saving snapshot %s: %w", rec.Key, err)
		}
	}
	return nil
}

// LoadAll returns every persisted snapshot, already marked Stale so callers
// treat them as offline data until refreshed.
func (s *Store) LoadAll() ([]core.Stall, error) {
	var recs []record
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("loading snapshots: %w", err)
	}

	stalls := make([]core.Stall, 0, len(recs))
	for _, rec := range recs {
		var mf mutableFields
		if len(rec.Fields) > 0 {
			if err := json.Unmarshal(rec.Fields, &mf); err != nil {
				continue
			}
		}
		stalls = append(stalls, core.Stall{
			ID:         rec.StallID,
			Marker:     core.MarkerID(rec.Marker),
			EventScope: core.EventScope(rec.EventScope),
			Name:       rec.Name,
			Category:   rec.Category,
			Status:     mf.Status,
			Schedule:   mf.Schedule,
			CrowdLevel: mf.CrowdLevel,
			Position:   rec.Position,
			Stale:      true,
			FetchedAt:  rec.FetchedAt,
		})
	}
	return stalls, nil
}

// Prune deletes snapshots fetched before the cutoff.
func (s *Store) Prune(cutoff time.Time) error {
	return s.db.Where("fetched_at < ?", cutoff).Delete(&record{}).Error
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
