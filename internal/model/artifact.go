package model

import "time"

// ArtifactKind names one of the generated per-user profile documents
type ArtifactKind string

const (
	ArtifactStyle    ArtifactKind = "style"
	ArtifactContacts ArtifactKind = "contacts"
	ArtifactRules    ArtifactKind = "rules"
)

// ArtifactKinds lists every kind
var ArtifactKinds = []ArtifactKind{ArtifactStyle, ArtifactContacts, ArtifactRules}

// Artifact is one version of a generated profile document. Exactly one
// version per (user, kind) is active.
type Artifact struct {
	ID        uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    uint         `json:"user_id" gorm:"not null;uniqueIndex:ux_artifact_version,priority:1;index:ix_artifact_active,priority:1"`
	Kind      ArtifactKind `json:"kind" gorm:"type:varchar(20);not null;uniqueIndex:ux_artifact_version,priority:2;index:ix_artifact_active,priority:2"`
	Version   int          `json:"version" gorm:"not null;uniqueIndex:ux_artifact_version,priority:3"`
	Content   string       `json:"content" gorm:"type:text;not null"`
	IsActive  bool         `json:"is_active" gorm:"not null;default:false;index:ix_artifact_active,priority:3"`
	CreatedAt time.Time    `json:"created_at"`
}

// TableName specifies the table name for Artifact
func (Artifact) TableName() string {
	return "artifacts"
}
