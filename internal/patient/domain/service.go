package domain

import (
	"context"
	"errors"
)

type RegisterRequest struct {
	MedicalRecordNo string `json:"medical_record_no" validate:"required,max=64"`
	FullName        string `json:"full_name" validate:"required,max=255"`
}

type Service interface {
	Get(ctx context.Context, id string) (*Patient, error)
	Exists(ctx context.Context, id string) (bool, error)
	Register(ctx context.Context, req RegisterRequest) (*Patient, error)
}

var (
	ErrInvalidPatient  = errors.New("invalid_patient")
	ErrPatientNotFound = errors.New("patient_not_found")
)
