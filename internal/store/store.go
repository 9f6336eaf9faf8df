package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pgvector/pgvector-go"
	"gonum.org/v1/gonum/floats"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"discserver/internal/encoder"
	"discserver/internal/logger"
)

// Validation failures surfaced to callers unchanged.
var (
	ErrDiscNotFound      = errors.New("disc not found")
	ErrImageNotFound     = errors.New("disc image not found")
	ErrInvalidDimension  = errors.New("embedding has wrong dimension")
	ErrInvalidStatus     = errors.New("invalid disc status")
	ErrInvalidTransition = errors.New("invalid upload state transition")
)

// Store persists discs and their image embeddings and executes cosine
// top-K queries. At or above linearScanThreshold rows per encoder it relies on
// the per-encoder ivfflat indexes; below it a linear in-process scan is
// exact and cheaper than index probes.
type Store struct {
	db                  *gorm.DB
	logger              *logger.Logger
	linearScanThreshold int
}

// Open connects to the postgres backing store.
func Open(databaseURL string, linearScanThreshold int, log *logger.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewWithDB(db, linearScanThreshold, log), nil
}

// NewWithDB wraps an existing gorm handle. Tests use this with the
// sqlite driver, which exercises the linear-scan query path.
func NewWithDB(db *gorm.DB, linearScanThreshold int, log *logger.Logger) *Store {
	return &Store{db: db, logger: log, linearScanThreshold: linearScanThreshold}
}

// Migrate creates the schema: the vector extension, both tables, and the
// per-encoder partial ivfflat indexes (postgres only).
func (s *Store) Migrate() error {
	if s.isPostgres() {
		if err := s.db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	if err := s.db.AutoMigrate(&Disc{}, &DiscImage{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	if s.isPostgres() {
		indexes := []string{
			`CREATE INDEX IF NOT EXISTS clip_embeddings_idx
			 ON disc_images USING ivfflat (embedding vector_cosine_ops)
			 WHERE model_name = 'clip'`,
			`CREATE INDEX IF NOT EXISTS dinov2_embeddings_idx
			 ON disc_images USING ivfflat (embedding vector_cosine_ops)
			 WHERE model_name = 'dinov2'`,
		}
		for _, ddl := range indexes {
			if err := s.db.Exec(ddl).Error; err != nil {
				return fmt.Errorf("failed to create vector index: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) isPostgres() bool {
	return s.db.Dialector.Name() == "postgres"
}

// CreateDisc inserts a new disc row and fills in its identity.
func (s *Store) CreateDisc(disc *Disc) error {
	if disc.Status == "" {
		disc.Status = StatusRegistered
	}
	if !ValidStatus(disc.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, disc.Status)
	}
	if disc.UploadStatus == "" {
		disc.UploadStatus = UploadPending
	}
	if err := s.db.Create(disc).Error; err != nil {
		return fmt.Errorf("failed to insert disc: %w", err)
	}
	s.logger.Info("Created disc record with ID: %d", disc.ID)
	return nil
}

// GetDisc returns a disc with its image rows, or ErrDiscNotFound.
func (s *Store) GetDisc(discID int64) (*Disc, error) {
	var disc Disc
	err := s.db.Preload("Images").First(&disc, discID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDiscNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get disc: %w", err)
	}
	return &disc, nil
}

// ListDiscs returns discs matching the filter, newest first.
func (s *Store) ListDiscs(filter DiscFilter) ([]Disc, error) {
	tx := s.db.Model(&Disc{}).Order("created_at DESC, id DESC")
	if filter.Status != "" {
		if !ValidStatus(filter.Status) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, filter.Status)
		}
		tx = tx.Where("status = ?", filter.Status)
	}
	if filter.UploadStatus != "" {
		tx = tx.Where("upload_status = ?", filter.UploadStatus)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		tx = tx.Offset(filter.Offset)
	}

	var discs []Disc
	if err := tx.Find(&discs).Error; err != nil {
		return nil, fmt.Errorf("failed to list discs: %w", err)
	}
	return discs, nil
}

// UpdateStatus changes a disc's status and stamps the matching date.
func (s *Store) UpdateStatus(discID int64, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	updates := map[string]interface{}{"status": status}
	now := time.Now()
	switch status {
	case StatusStolen:
		updates["stolen_date"] = &now
	case StatusFound:
		updates["found_date"] = &now
	}

	res := s.db.Model(&Disc{}).Where("id = ?", discID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update disc status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDiscNotFound
	}
	s.logger.Info("Updated disc %d status to '%s'", discID, status)
	return nil
}

// ConfirmUpload advances the upload state PENDING -> SUCCESS. Confirming
// an already-confirmed disc is a no-op; an unknown disc is an error.
func (s *Store) ConfirmUpload(discID int64) error {
	res := s.db.Model(&Disc{}).
		Where("id = ? AND upload_status = ?", discID, UploadPending).
		Update("upload_status", UploadSuccess)
	if res.Error != nil {
		return fmt.Errorf("failed to confirm disc upload: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either already confirmed (idempotent) or missing.
		var count int64
		if err := s.db.Model(&Disc{}).Where("id = ?", discID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to confirm disc upload: %w", err)
		}
		if count == 0 {
			return ErrDiscNotFound
		}
		return nil
	}
	s.logger.Info("Confirmed disc upload for ID: %d", discID)
	return nil
}

// DeleteDisc removes a disc and all of its image rows. Returns false
// when the disc does not exist (deleting twice is a no-op).
func (s *Store) DeleteDisc(discID int64) (bool, error) {
	var deleted bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// Explicit cascade so the invariant holds on engines where the
		// FK constraint is not enforced.
		if err := tx.Where("disc_id = ?", discID).Delete(&DiscImage{}).Error; err != nil {
			return fmt.Errorf("failed to delete disc images: %w", err)
		}
		res := tx.Delete(&Disc{}, discID)
		if res.Error != nil {
			return fmt.Errorf("failed to delete disc: %w", res.Error)
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("Deleted disc with ID: %d", discID)
	}
	return deleted, nil
}

// InsertImage appends an image row inside a transaction. writeFiles runs
// after the row exists (so the identity can name the files) and returns
// the stored paths; any error from it rolls the row back, and the caller
// is responsible for removing files it managed to write.
func (s *Store) InsertImage(img *DiscImage, writeFiles func(imageID int64) (originalPath, croppedPath string, err error)) (int64, error) {
	if len(img.Embedding.Slice()) != encoder.MaxDimension {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrInvalidDimension, len(img.Embedding.Slice()), encoder.MaxDimension)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Disc{}).Where("id = ?", img.DiscID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check disc: %w", err)
		}
		if count == 0 {
			return ErrDiscNotFound
		}

		if err := tx.Create(img).Error; err != nil {
			return fmt.Errorf("failed to insert disc image: %w", err)
		}

		if writeFiles != nil {
			originalPath, croppedPath, err := writeFiles(img.ID)
			if err != nil {
				return err
			}
			img.ImagePath = originalPath
			img.CroppedImagePath = croppedPath
			if err := tx.Model(&DiscImage{}).Where("id = ?", img.ID).Updates(map[string]interface{}{
				"image_path":         originalPath,
				"cropped_image_path": croppedPath,
			}).Error; err != nil {
				return fmt.Errorf("failed to record image paths: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Created disc_image record with ID: %d", img.ID)
	return img.ID, nil
}

// GetImage returns a single image row, or ErrImageNotFound.
func (s *Store) GetImage(imageID int64) (*DiscImage, error) {
	var img DiscImage
	err := s.db.First(&img, imageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get disc image: %w", err)
	}
	return &img, nil
}

// UpdateImage rewrites an image row's border, crop path, and embedding
// after a manual border edit.
func (s *Store) UpdateImage(img *DiscImage) error {
	if len(img.Embedding.Slice()) != encoder.MaxDimension {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidDimension, len(img.Embedding.Slice()), encoder.MaxDimension)
	}
	res := s.db.Model(&DiscImage{}).Where("id = ?", img.ID).Updates(map[string]interface{}{
		"border_info":        img.BorderInfo,
		"cropped_image_path": img.CroppedImagePath,
		"embedding":          img.Embedding,
		"model_name":         img.ModelName,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update disc image: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrImageNotFound
	}
	return nil
}

// CountImages returns the number of image rows under one encoder.
func (s *Store) CountImages(encoderName string) (int64, error) {
	var count int64
	err := s.db.Model(&DiscImage{}).Where("model_name = ?", encoderName).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count disc images: %w", err)
	}
	return count, nil
}

// TopK returns up to k image rows under encoderName with the highest
// cosine similarity to query, all at or above minSimilarity. Rows of
// discs whose upload state is not SUCCESS are excluded. Ties break
// toward the lower image id.
func (s *Store) TopK(query []float32, encoderName string, k int, minSimilarity float64, statusFilter string) ([]Match, error) {
	if len(query) != encoder.MaxDimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidDimension, len(query), encoder.MaxDimension)
	}
	if k < 1 {
		return nil, nil
	}
	if statusFilter != "" && !ValidStatus(statusFilter) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, statusFilter)
	}

	count, err := s.CountImages(encoderName)
	if err != nil {
		return nil, err
	}

	if s.isPostgres() && count >= int64(s.linearScanThreshold) {
		return s.topKIndexed(query, encoderName, k, minSimilarity, statusFilter)
	}
	return s.topKLinear(query, encoderName, k, minSimilarity, statusFilter)
}

// topKIndexed delegates ordering to pgvector's cosine distance operator,
// which uses the per-encoder partial ivfflat index at scale.
func (s *Store) topKIndexed(query []float32, encoderName string, k int, minSimilarity float64, statusFilter string) ([]Match, error) {
	vec := pgvector.NewVector(query)

	tx := s.db.Table("disc_images AS di").
		Select("di.id AS image_id, di.disc_id AS disc_id, 1 - (di.embedding <=> ?) AS similarity", vec).
		Joins("JOIN discs d ON d.id = di.disc_id").
		Where("di.model_name = ?", encoderName).
		Where("d.upload_status = ?", UploadSuccess)
	if statusFilter != "" {
		tx = tx.Where("d.status = ?", statusFilter)
	}
	tx = tx.Clauses(clause.OrderBy{
		Expression: clause.Expr{SQL: "di.embedding <=> ?, di.id ASC", Vars: []interface{}{vec}},
	}).Limit(k)

	var rows []Match
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}

	out := rows[:0]
	for _, r := range rows {
		if r.Similarity >= minSimilarity {
			out = append(out, r)
		}
	}
	return out, nil
}

// topKLinear fetches the candidate embeddings and ranks them in process.
// Exact, and cheaper than index probes for small catalogs.
func (s *Store) topKLinear(query []float32, encoderName string, k int, minSimilarity float64, statusFilter string) ([]Match, error) {
	type embeddingRow struct {
		ImageID   int64
		DiscID    int64
		Embedding pgvector.Vector
	}

	tx := s.db.Table("disc_images AS di").
		Select("di.id AS image_id, di.disc_id AS disc_id, di.embedding AS embedding").
		Joins("JOIN discs d ON d.id = di.disc_id").
		Where("di.model_name = ?", encoderName).
		Where("d.upload_status = ?", UploadSuccess)
	if statusFilter != "" {
		tx = tx.Where("d.status = ?", statusFilter)
	}

	var rows []embeddingRow
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("similarity scan failed: %w", err)
	}

	q64 := toFloat64(query)
	qNorm := floats.Norm(q64, 2)

	matches := make([]Match, 0, len(rows))
	for _, r := range rows {
		sim := cosine(q64, qNorm, r.Embedding.Slice())
		if sim >= minSimilarity {
			matches = append(matches, Match{ImageID: r.ImageID, DiscID: r.DiscID, Similarity: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ImageID < matches[j].ImageID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// cosine computes the cosine similarity between the query (precomputed
// norm) and a stored vector. Stored embeddings are unit length by
// invariant, but the norms are recomputed rather than assumed.
func cosine(q64 []float64, qNorm float64, stored []float32) float64 {
	if len(stored) != len(q64) {
		return -1
	}
	s64 := toFloat64(stored)
	sNorm := floats.Norm(s64, 2)
	if qNorm == 0 || sNorm == 0 {
		return -1
	}
	return floats.Dot(q64, s64) / (qNorm * sNorm)
}
