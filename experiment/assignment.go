package experiment

import (
	"time"

	"github.com/google/uuid"
)

// Assignment 受试者在某实验中的变体绑定，(ExperimentName, SubjectID) 唯一
type Assignment struct {
	ID             string     `json:"id"`
	ExperimentName string     `json:"experiment_name"`
	SubjectID      string     `json:"subject_id"`
	Variant        string     `json:"variant"`
	AssignedAt     time.Time  `json:"assigned_at"`
	Converted      bool       `json:"converted"`
	ConvertedAt    *time.Time `json:"converted_at,omitempty"`
}

// NewAssignment 创建待持久化的分配记录
func NewAssignment(experimentName, subjectID, variant string, assignedAt time.Time) *Assignment {
	return &Assignment{
		ID:             uuid.NewString(),
		ExperimentName: experimentName,
		SubjectID:      subjectID,
		Variant:        variant,
		AssignedAt:     assignedAt,
	}
}

// Clone 深拷贝
func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	c := *a
	if a.ConvertedAt != nil {
		t := *a.ConvertedAt
		c.ConvertedAt = &t
	}
	return &c
}
