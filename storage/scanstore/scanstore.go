// Package scanstore is the SQL-backed persistence layer for predicate
// metadata and scan progress (§6): unlike the Block Store's raw KV
// namespacing, predicate registration records and "where did the
// Historical Scanner leave off" checkpoints are relational and queried by
// owner/chain, so they live in a gorm-mapped MySQL table instead. Grounded
// on usage: the teacher's go.mod carries jinzhu/gorm and
// go-sql-driver/mysql as direct dependencies with no surviving call site
// in the retrieved sources (the package that used them was filtered out
// of the retrieval), so this package is written fresh in the teacher's
// general storage idiom -- a thin struct wrapping the driver handle, one
// module logger, pkg/errors-wrapped returns -- rather than translated from
// a lost call site.
package scanstore

import (
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/mysql"
	"github.com/pkg/errors"

	"github.com/stacks-network/chainhook/log"
)

var logger = log.NewModuleLogger(log.ScanStore)

// currentMetaVersion is the schema version this build writes and reads
// without complaint. Rows tagged with any other version are skipped on
// load rather than failing the whole query, the §3 "predicate file
// version migrations" supplement applied to persisted metadata instead of
// an on-disk spec file.
const currentMetaVersion = 1

// ErrVersionMismatch is returned by LoadPredicateMeta for a row whose
// Version the running build does not recognize.
var ErrVersionMismatch = errors.New("scanstore: predicate metadata version not recognized")

// PredicateMeta is the persisted record of a registered predicate: enough
// to reconstruct its chainhooks.Instance and to know at which schema
// version it was written.
type PredicateMeta struct {
	UUID      string `gorm:"primary_key;size:64"`
	Chain     string `gorm:"size:16;index"`
	Network   string `gorm:"size:16"`
	Name      string `gorm:"size:256"`
	Version   uint32
	Payload   []byte `gorm:"type:blob"`
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name so gorm's pluralization convention never
// silently drifts if the struct is renamed.
func (PredicateMeta) TableName() string { return "predicate_meta" }

// ScanProgress is the Historical Scanner's Phase D checkpoint: the last
// block index/hash it handed off to the streaming path for one predicate.
type ScanProgress struct {
	PredicateUUID      string `gorm:"primary_key;size:64"`
	LastEvaluatedIndex uint64
	LastEvaluatedHash  string `gorm:"size:128"`
	UpdatedAt          time.Time
}

func (ScanProgress) TableName() string { return "scan_progress" }

// Store wraps the gorm handle with the operations the Observer Core and
// Historical Scanner need.
type Store struct {
	db *gorm.DB
}

// Open connects to a MySQL DSN and migrates the two tables this package
// owns. Grounded on the teacher's OpenDatabase-style "open, then
// AutoMigrate/create-if-missing" startup sequence.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "scanstore: open mysql")
	}
	if err := db.AutoMigrate(&PredicateMeta{}, &ScanProgress{}).Error; err != nil {
		db.Close()
		return nil, errors.Wrap(err, "scanstore: automigrate")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePredicateMeta upserts a predicate's metadata row.
func (s *Store) SavePredicateMeta(meta PredicateMeta) error {
	meta.Version = currentMetaVersion
	meta.UpdatedAt = nowFunc()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = meta.UpdatedAt
	}
	if err := s.db.Save(&meta).Error; err != nil {
		return errors.Wrap(err, "scanstore: save predicate meta")
	}
	return nil
}

// LoadPredicateMeta reads one predicate's metadata by UUID, returning
// ErrVersionMismatch if the stored row's schema version is not
// currentMetaVersion.
func (s *Store) LoadPredicateMeta(uuid string) (PredicateMeta, error) {
	var meta PredicateMeta
	if err := s.db.Where("uuid = ?", uuid).First(&meta).Error; err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return PredicateMeta{}, errors.Wrapf(err, "scanstore: predicate %s not found", uuid)
		}
		return PredicateMeta{}, errors.Wrap(err, "scanstore: load predicate meta")
	}
	if meta.Version != currentMetaVersion {
		return PredicateMeta{}, ErrVersionMismatch
	}
	return meta, nil
}

// ListPredicateMeta returns every persisted predicate for a chain, skipping
// (and logging) any row whose Version this build does not recognize
// instead of failing the whole listing.
func (s *Store) ListPredicateMeta(chain string) ([]PredicateMeta, error) {
	var rows []PredicateMeta
	if err := s.db.Where("chain = ?", chain).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "scanstore: list predicate meta")
	}

	return filterCurrentVersion(rows), nil
}

// filterCurrentVersion drops rows whose Version this build does not
// recognize, logging each one. Split out from ListPredicateMeta as a pure
// function so the skip-unrecognized-version rule is testable without a
// live database connection.
func filterCurrentVersion(rows []PredicateMeta) []PredicateMeta {
	out := make([]PredicateMeta, 0, len(rows))
	for _, row := range rows {
		if row.Version != currentMetaVersion {
			logger.Warn("skipping predicate metadata with unrecognized version", "uuid", row.UUID, "version", row.Version)
			continue
		}
		out = append(out, row)
	}
	return out
}

// DeletePredicateMeta removes a predicate's persisted metadata and its
// scan progress row, mirroring the registry's Deregister edge.
func (s *Store) DeletePredicateMeta(uuid string) error {
	if err := s.db.Where("uuid = ?", uuid).Delete(&PredicateMeta{}).Error; err != nil {
		return errors.Wrap(err, "scanstore: delete predicate meta")
	}
	if err := s.db.Where("predicate_uuid = ?", uuid).Delete(&ScanProgress{}).Error; err != nil {
		return errors.Wrap(err, "scanstore: delete scan progress")
	}
	return nil
}

// SaveScanProgress upserts the Phase D checkpoint for a predicate.
func (s *Store) SaveScanProgress(progress ScanProgress) error {
	progress.UpdatedAt = nowFunc()
	if err := s.db.Save(&progress).Error; err != nil {
		return errors.Wrap(err, "scanstore: save scan progress")
	}
	return nil
}

// LoadScanProgress returns a predicate's last handoff checkpoint, or
// found=false if none has been recorded yet.
func (s *Store) LoadScanProgress(uuid string) (progress ScanProgress, found bool, err error) {
	if dbErr := s.db.Where("predicate_uuid = ?", uuid).First(&progress).Error; dbErr != nil {
		if gorm.IsRecordNotFoundError(dbErr) {
			return ScanProgress{}, false, nil
		}
		return ScanProgress{}, false, errors.Wrap(dbErr, "scanstore: load scan progress")
	}
	return progress, true, nil
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now
