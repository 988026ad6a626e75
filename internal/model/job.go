package model

import "time"

// JobRecord is the persisted history of one orchestrated job
type JobRecord struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Kind        string     `json:"kind" gorm:"type:varchar(50);not null;index"`
	Payload     string     `json:"payload" gorm:"type:text"`
	DedupKey    string     `json:"dedup_key,omitempty" gorm:"type:varchar(255);index"`
	Status      string     `json:"status" gorm:"type:varchar(20);not null;index"`
	Attempts    int        `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts int        `json:"max_attempts" gorm:"not null"`
	Progress    int        `json:"progress" gorm:"not null;default:0"`
	LastError   string     `json:"last_error" gorm:"type:text"`
	RunAt       time.Time  `json:"run_at"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName specifies the table name for JobRecord
func (JobRecord) TableName() string {
	return "job_records"
}
