package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// Disc status values. Transitions are free among the three.
const (
	StatusRegistered = "registered"
	StatusStolen     = "stolen"
	StatusFound      = "found"
)

// Upload workflow states. PENDING advances to SUCCESS exactly once and
// SUCCESS is terminal; only SUCCESS discs are visible to searches.
const (
	UploadPending = "PENDING"
	UploadSuccess = "SUCCESS"
)

// ValidStatus reports whether s is an accepted disc status.
func ValidStatus(s string) bool {
	return s == StatusRegistered || s == StatusStolen || s == StatusFound
}

// Disc represents one physical disc registered by an owner.
type Disc struct {
	ID           int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerName    string `gorm:"size:255;not null" json:"owner_name"`
	OwnerContact string `gorm:"size:255;not null" json:"owner_contact"`
	Status       string `gorm:"size:50;not null;default:registered;index" json:"status"`
	UploadStatus string `gorm:"size:50;not null;default:PENDING;index" json:"upload_status"`
	DiscModel    string `gorm:"size:255" json:"disc_model,omitempty"`
	DiscColor    string `gorm:"size:100" json:"disc_color,omitempty"`
	Notes        string `gorm:"type:text" json:"notes,omitempty"`
	Location     string `gorm:"size:255" json:"location,omitempty"`

	RegisteredDate time.Time  `gorm:"autoCreateTime" json:"registered_date"`
	StolenDate     *time.Time `json:"stolen_date,omitempty"`
	FoundDate      *time.Time `json:"found_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Images []DiscImage `gorm:"foreignKey:DiscID;constraint:OnDelete:CASCADE" json:"images,omitempty"`
}

func (Disc) TableName() string { return "discs" }

// DiscImage is one photograph of a disc together with its embedding.
// ModelName records the encoder that produced the embedding; queries
// filter on it, so rows from different encoders never mix. BorderInfo
// is the tagged circle/ellipse record when masking was applied, null
// when the full image was encoded.
type DiscImage struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	DiscID           int64           `gorm:"not null;index" json:"disc_id"`
	ImagePath        string          `gorm:"type:text;not null" json:"image_path"`
	CroppedImagePath string          `gorm:"type:text" json:"cropped_image_path,omitempty"`
	ModelName        string          `gorm:"size:50;not null;index" json:"model_name"`
	Embedding        pgvector.Vector `gorm:"type:vector(768)" json:"-"`
	BorderInfo       datatypes.JSON  `json:"border_info,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (DiscImage) TableName() string { return "disc_images" }

// DiscFilter narrows ListDiscs results.
type DiscFilter struct {
	Status       string
	UploadStatus string
	Limit        int
	Offset       int
}

// Match is one image row returned from a similarity query.
type Match struct {
	ImageID    int64
	DiscID     int64
	Similarity float64
}
