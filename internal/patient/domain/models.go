package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Patient is the local projection of the clinic's patient registry. Rows are
// written by the registry integration; billing only reads them.
type Patient struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	MedicalRecordNo string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_patients_mrn" json:"medical_record_no"`
	FullName        string       `gorm:"type:text;not null" json:"full_name"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
}

func (Patient) TableName() string { return "patients" }
