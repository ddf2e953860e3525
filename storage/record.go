// Package storage persists accepted test cases. Two backends are provided:
// a SQLite database for single-node use and a NATS JetStream KV bucket for
// deployments that already run NATS.
package storage

import (
	"context"
	"time"

	"github.com/c360studio/casegen/testcase"
)

// Record is one accepted test case together with where it came from.
type Record struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	Target         string    `json:"target" gorm:"index;not null"`
	BatchID        string    `json:"batch_id" gorm:"index"`
	FeatureName    string    `json:"feature_name"`
	Scenario       string    `json:"test_scenario"`
	Description    string    `json:"test_description"`
	Precondition   string    `json:"pre_condition"`
	TestData       string    `json:"test_data"`
	Steps          []string  `json:"test_steps" gorm:"serializer:json"`
	ExpectedResult string    `json:"expected_result"`
	Layer          string    `json:"layer"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	AcceptedAt     time.Time `json:"accepted_at"`
}

// TableName pins the table name independent of the struct name.
func (Record) TableName() string { return "accepted_test_cases" }

// NewRecord wraps tc for storage under target.
func NewRecord(target, batchID, featureName string, tc testcase.TestCase, acceptedAt time.Time) Record {
	return Record{
		ID:             tc.ID,
		Target:         target,
		BatchID:        batchID,
		FeatureName:    featureName,
		Scenario:       tc.Scenario,
		Description:    tc.Description,
		Precondition:   tc.Precondition,
		TestData:       tc.TestData,
		Steps:          append([]string(nil), tc.Steps...),
		ExpectedResult: tc.ExpectedResult,
		Layer:          string(tc.Layer),
		CreatedBy:      tc.CreatedBy,
		CreatedAt:      tc.CreatedAt,
		AcceptedAt:     acceptedAt,
	}
}

// TestCase converts the record back into a test case.
func (r Record) TestCase() testcase.TestCase {
	return testcase.TestCase{
		ID:             r.ID,
		Scenario:       r.Scenario,
		Description:    r.Description,
		Precondition:   r.Precondition,
		TestData:       r.TestData,
		Steps:          append([]string(nil), r.Steps...),
		ExpectedResult: r.ExpectedResult,
		CreatedAt:      r.CreatedAt,
		CreatedBy:      r.CreatedBy,
		Layer:          testcase.CoverageLayer(r.Layer),
	}
}

// Store is the accepted-case persistence surface shared by both backends.
type Store interface {
	SaveCases(ctx context.Context, target, batchID, featureName string, cases []testcase.TestCase) error
	ListByTarget(ctx context.Context, target string) ([]Record, error)
	Targets(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*KV)(nil)
)
