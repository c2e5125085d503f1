package storage

import (
	"errors"
	"fmt"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/pkg/request"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ErrRunNotFound is returned when a step references an unknown run.
var ErrRunNotFound = errors.New("run not found")

// ListOptions controls filtering and pagination when fetching runs.
type ListOptions struct {
	Search string
	Status string
	Limit  int
	Offset int
}

// StoredRun is a run together with its recorded steps.
type StoredRun struct {
	*request.RunRecord
	Steps []*request.StepRecord `json:"steps,omitempty"`
}

// Store defines the persistence contract for replay history.
type Store interface {
	StartRun(*request.RunRecord) (*request.RunRecord, error)
	RecordStep(*request.StepRecord) (*request.StepRecord, error)
	FinishRun(id, status string) error
	ListRuns(ListOptions) ([]*request.RunRecord, int, error)
	GetRun(string) (*StoredRun, error)
	GetSteps(runID string) ([]*request.StepRecord, error)
	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	case "memory":
		return NewMemoryStore(cfg.MaxRuns, cfg.Retention), nil
	default:
		return nil, ErrUnsupportedDriver
	}
}

func errNilRecord(kind string) error {
	return fmt.Errorf("%s record is nil", kind)
}
