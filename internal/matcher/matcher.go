package matcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gocv.io/x/gocv"
	"gorm.io/datatypes"

	"discserver/internal/border"
	"discserver/internal/config"
	"discserver/internal/encoder"
	"discserver/internal/imaging"
	"discserver/internal/logger"
	"discserver/internal/storage"
	"discserver/internal/store"
)

// Matcher orchestrates the identification pipeline: normalize, detect
// border, mask, embed, store. It holds no per-request state and is safe
// to call from concurrent request handlers.
type Matcher struct {
	cfg      *config.Config
	encoder  encoder.Encoder
	detector *border.Detector
	store    *store.Store
	files    *storage.FileStore
	logger   *logger.Logger
}

func New(cfg *config.Config, enc encoder.Encoder, det *border.Detector, st *store.Store, files *storage.FileStore, log *logger.Logger) *Matcher {
	log.Info("Initialized matcher with %s encoder", enc.Name())
	return &Matcher{
		cfg:      cfg,
		encoder:  enc,
		detector: det,
		store:    st,
		files:    files,
		logger:   log,
	}
}

// DiscMetadata carries the owner-supplied fields for a new disc.
type DiscMetadata struct {
	OwnerName    string
	OwnerContact string
	DiscModel    string
	DiscColor    string
	Notes        string
	Location     string
	Status       string
}

// RegisterResult reports the identities created by a registration.
type RegisterResult struct {
	DiscID           int64   `json:"disc_id"`
	ImageID          int64   `json:"image_id"`
	EncoderName      string  `json:"model_used"`
	BorderDetected   bool    `json:"border_detected"`
	BorderConfidence float64 `json:"border_confidence"`
}

// Match is one aggregated search result: the disc's best-matching image
// row decides both the score and the representative image.
type Match struct {
	DiscID                int64       `json:"disc_id"`
	Similarity            float64     `json:"similarity"`
	RepresentativeImageID int64       `json:"representative_image_id"`
	EncoderName           string      `json:"encoder_name"`
	Disc                  *store.Disc `json:"disc,omitempty"`
}

// pipelineOutput holds the intermediate rasters of one A->B->C->D run.
// Close must be called once the caller is done with the Mats.
type pipelineOutput struct {
	normalized   gocv.Mat
	encoded      gocv.Mat
	format       imaging.Format
	border       *border.Border
	embedding    []float32
	croppedBytes []byte
}

func (p *pipelineOutput) Close() {
	p.normalized.Close()
	p.encoded.Close()
}

// Register creates a new disc in the pending state and attaches the
// image. The disc stays invisible to searches until Confirm.
func (m *Matcher) Register(ctx context.Context, data []byte, contentType string, meta DiscMetadata) (*RegisterResult, error) {
	opID := uuid.NewString()[:8]

	out, err := m.runPipeline(ctx, data, contentType, opID)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	disc := &store.Disc{
		OwnerName:    meta.OwnerName,
		OwnerContact: meta.OwnerContact,
		Status:       meta.Status,
		UploadStatus: store.UploadPending,
		DiscModel:    meta.DiscModel,
		DiscColor:    meta.DiscColor,
		Notes:        meta.Notes,
		Location:     meta.Location,
	}
	if err := m.store.CreateDisc(disc); err != nil {
		return nil, err
	}

	imageID, err := m.persistImage(disc.ID, data, out)
	if err != nil {
		// Rollback: the disc row was ours, remove it and any residue.
		if _, delErr := m.store.DeleteDisc(disc.ID); delErr != nil {
			m.logger.Error("[%s] Rollback could not delete disc %d: %v", opID, disc.ID, delErr)
		}
		if delErr := m.files.RemoveDisc(disc.ID); delErr != nil {
			m.logger.Error("[%s] Rollback could not remove files of disc %d: %v", opID, disc.ID, delErr)
		}
		return nil, err
	}

	m.logger.Info("[%s] Registered disc %d with image %d", opID, disc.ID, imageID)
	return m.registerResult(disc.ID, imageID, out), nil
}

// AddImage attaches another photograph to an existing disc. The disc row
// is left untouched on failure.
func (m *Matcher) AddImage(ctx context.Context, discID int64, data []byte, contentType string) (*RegisterResult, error) {
	opID := uuid.NewString()[:8]

	if _, err := m.store.GetDisc(discID); err != nil {
		return nil, err
	}

	out, err := m.runPipeline(ctx, data, contentType, opID)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	imageID, err := m.persistImage(discID, data, out)
	if err != nil {
		return nil, err
	}

	m.logger.Info("[%s] Added image %d to disc %d", opID, imageID, discID)
	return m.registerResult(discID, imageID, out), nil
}

// Confirm advances the disc's upload state to SUCCESS, making it
// visible to searches. Idempotent when already confirmed.
func (m *Matcher) Confirm(ctx context.Context, discID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.store.ConfirmUpload(discID)
}

// Cancel aborts a pending registration: the disc row, its image rows,
// and its on-disk subtree are removed. A disc id that no longer exists
// is a no-op; a confirmed disc cannot be cancelled.
func (m *Matcher) Cancel(ctx context.Context, discID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	disc, err := m.store.GetDisc(discID)
	if errors.Is(err, store.ErrDiscNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if disc.UploadStatus != store.UploadPending {
		return fmt.Errorf("%w: cannot cancel disc %d in upload state %s", store.ErrInvalidTransition, discID, disc.UploadStatus)
	}

	if _, err := m.store.DeleteDisc(discID); err != nil {
		return err
	}
	return m.files.RemoveDisc(discID)
}

// FindMatches runs the pipeline on the query image and returns up to k
// discs ranked by their best image similarity. The candidate set is
// oversampled so per-disc aggregation has enough material.
func (m *Matcher) FindMatches(ctx context.Context, data []byte, contentType string, k int, minSimilarity float64, statusFilter string) ([]Match, error) {
	opID := uuid.NewString()[:8]

	if k <= 0 {
		k = m.cfg.DefaultTopK
	}
	if minSimilarity < 0 {
		minSimilarity = m.cfg.MinSimilarity
	}

	out, err := m.runPipeline(ctx, data, contentType, opID)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	rows, err := m.store.TopK(out.embedding, m.encoder.Name(), k*m.cfg.SearchOversample, minSimilarity, statusFilter)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches := m.aggregateByDisc(rows, k)
	for i := range matches {
		disc, err := m.store.GetDisc(matches[i].DiscID)
		if err != nil {
			m.logger.Warning("[%s] Match disc %d vanished mid-query: %v", opID, matches[i].DiscID, err)
			continue
		}
		matches[i].Disc = disc
	}

	m.logger.Info("[%s] Found %d matches above %.2f threshold (out of %d rows)", opID, len(matches), minSimilarity, len(rows))
	return matches, nil
}

// aggregateByDisc groups image rows by disc: the disc's score is the
// maximum similarity over its rows, the representative image is the row
// achieving it. Groups sort by score descending, ties to the lower disc
// id.
func (m *Matcher) aggregateByDisc(rows []store.Match, k int) []Match {
	byDisc := make(map[int64]*Match)
	for _, r := range rows {
		best, ok := byDisc[r.DiscID]
		if !ok {
			byDisc[r.DiscID] = &Match{
				DiscID:                r.DiscID,
				Similarity:            r.Similarity,
				RepresentativeImageID: r.ImageID,
				EncoderName:           m.encoder.Name(),
			}
			continue
		}
		if r.Similarity > best.Similarity ||
			(r.Similarity == best.Similarity && r.ImageID < best.RepresentativeImageID) {
			best.Similarity = r.Similarity
			best.RepresentativeImageID = r.ImageID
		}
	}

	matches := make([]Match, 0, len(byDisc))
	for _, match := range byDisc {
		matches = append(matches, *match)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].DiscID < matches[j].DiscID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// UpdateBorder applies a caller-edited border to an existing image row:
// re-crop, re-encode, and rewrite the row. The manual border carries
// confidence 1.0 unless the caller set one.
func (m *Matcher) UpdateBorder(ctx context.Context, imageID int64, b *border.Border) (*store.DiscImage, error) {
	if b == nil {
		return nil, fmt.Errorf("border is required")
	}
	if b.Confidence == 0 {
		b.Confidence = 1.0
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}

	img, err := m.store.GetImage(imageID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(img.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read original image: %w", err)
	}

	normalized, format, err := imaging.Normalize(data, "", m.cfg.MaxImageSizeBytes())
	if err != nil {
		return nil, err
	}
	defer normalized.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	masked, err := imaging.ApplyBorder(normalized, b)
	if err != nil {
		return nil, err
	}
	defer masked.Close()

	embedding, err := m.embedWithRetry(ctx, masked)
	if err != nil {
		return nil, err
	}

	croppedBytes, err := imaging.EncodeImage(masked, format)
	if err != nil {
		return nil, err
	}
	croppedPath, err := m.files.SaveCropped(img.DiscID, img.ID, string(format), croppedBytes)
	if err != nil {
		return nil, err
	}

	borderJSON, err := b.MarshalDB()
	if err != nil {
		return nil, err
	}

	img.BorderInfo = datatypes.JSON(borderJSON)
	img.CroppedImagePath = croppedPath
	img.Embedding = pgvector.NewVector(encoder.PadToMax(embedding))
	img.ModelName = m.encoder.Name()
	if err := m.store.UpdateImage(img); err != nil {
		return nil, err
	}

	m.logger.Info("Updated border on image %d (disc %d)", img.ID, img.DiscID)
	return img, nil
}

// GetDisc returns a disc with its images.
func (m *Matcher) GetDisc(ctx context.Context, discID int64) (*store.Disc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.store.GetDisc(discID)
}

// ListDiscs returns discs matching the filter.
func (m *Matcher) ListDiscs(ctx context.Context, filter store.DiscFilter) ([]store.Disc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.store.ListDiscs(filter)
}

// UpdateStatus changes a disc's status (registered/stolen/found).
func (m *Matcher) UpdateStatus(ctx context.Context, discID int64, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.store.UpdateStatus(discID, status)
}

// DeleteDisc removes a disc, its image rows, and its files. Deleting a
// missing disc reports ErrDiscNotFound.
func (m *Matcher) DeleteDisc(ctx context.Context, discID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deleted, err := m.store.DeleteDisc(discID)
	if err != nil {
		return err
	}
	if !deleted {
		return store.ErrDiscNotFound
	}
	return m.files.RemoveDisc(discID)
}

// ArtifactPath resolves a stored image file for serving.
func (m *Matcher) ArtifactPath(discID int64, filename string) (string, error) {
	return m.files.ResolveArtifact(discID, filename)
}

// runPipeline executes normalize -> border -> mask -> embed. The
// deadline is checked between stages; encoder inference itself is not
// preemptible. Border failures are silent: the full image is encoded.
func (m *Matcher) runPipeline(ctx context.Context, data []byte, contentType, opID string) (*pipelineOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	normalized, format, err := imaging.Normalize(data, contentType, m.cfg.MaxImageSizeBytes())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		normalized.Close()
		return nil, err
	}

	var detected *border.Border
	if m.cfg.BorderEnabled && m.detector != nil {
		detected = m.detector.Detect(normalized)
	}
	if err := ctx.Err(); err != nil {
		normalized.Close()
		return nil, err
	}

	encoded, err := imaging.ApplyBorder(normalized, detected)
	if err != nil {
		// Degradation, not an error: fall back to the full image.
		m.logger.Warning("[%s] Could not apply detected border, using full image: %v", opID, err)
		detected = nil
		encoded = normalized.Clone()
	}

	out := &pipelineOutput{
		normalized: normalized,
		encoded:    encoded,
		format:     format,
		border:     detected,
	}

	embedding, err := m.embedWithRetry(ctx, encoded)
	if err != nil {
		out.Close()
		return nil, err
	}
	out.embedding = encoder.PadToMax(embedding)

	if detected != nil {
		croppedBytes, err := imaging.EncodeImage(encoded, format)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.croppedBytes = croppedBytes
	}
	return out, nil
}

// embedWithRetry runs the encoder, retrying once on transient failure.
// A degenerate (zero-norm) embedding is a validation failure and is
// never retried or inserted.
func (m *Matcher) embedWithRetry(ctx context.Context, raster gocv.Mat) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec, err := m.encoder.Embed(raster)
	if err != nil && !errors.Is(err, encoder.ErrDegenerateEmbedding) {
		m.logger.Warning("Encoder failed, retrying once: %v", err)
		vec, err = m.encoder.Embed(raster)
	}
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vec, nil
}

// persistImage writes the vector row and both file artifacts together:
// the row insert and the file writes share one transaction, and files
// written before a failed commit are removed best effort.
func (m *Matcher) persistImage(discID int64, original []byte, out *pipelineOutput) (int64, error) {
	img := &store.DiscImage{
		DiscID:    discID,
		ModelName: m.encoder.Name(),
		Embedding: pgvector.NewVector(out.embedding),
	}
	if out.border != nil {
		borderJSON, err := out.border.MarshalDB()
		if err != nil {
			return 0, err
		}
		img.BorderInfo = datatypes.JSON(borderJSON)
	}

	var written []string
	imageID, err := m.store.InsertImage(img, func(imageID int64) (string, string, error) {
		originalPath, err := m.files.SaveOriginal(discID, imageID, string(out.format), original)
		if err != nil {
			return "", "", err
		}
		written = append(written, originalPath)

		var croppedPath string
		if out.croppedBytes != nil {
			croppedPath, err = m.files.SaveCropped(discID, imageID, string(out.format), out.croppedBytes)
			if err != nil {
				return "", "", err
			}
			written = append(written, croppedPath)
		}
		return originalPath, croppedPath, nil
	})
	if err != nil {
		for _, path := range written {
			m.files.Remove(path)
		}
		return 0, err
	}
	return imageID, nil
}

func (m *Matcher) registerResult(discID, imageID int64, out *pipelineOutput) *RegisterResult {
	result := &RegisterResult{
		DiscID:      discID,
		ImageID:     imageID,
		EncoderName: m.encoder.Name(),
	}
	if out.border != nil {
		result.BorderDetected = true
		result.BorderConfidence = out.border.Confidence
	}
	return result
}
