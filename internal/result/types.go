package result

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Trial is one evaluated configuration. Loss has no column default: a zero
// loss is a perfect score, so callers set FailureLoss explicitly.
type Trial struct {
	TrialID   string  `gorm:"column:trial_id;primaryKey;size:32" json:"trial_id"`
	Estimator string  `gorm:"column:estimator;size:64;not null;index:idx_trials_ranking,priority:1" json:"estimator"`
	Loss      float64 `gorm:"column:loss;not null;index:idx_trials_ranking,priority:2" json:"loss"`
	CostTime  float64 `gorm:"column:cost_time;not null;index:idx_trials_ranking,priority:3" json:"cost_time"`

	Losses       []float64            `gorm:"column:losses;serializer:json" json:"losses,omitempty"`
	TestLoss     *float64             `gorm:"column:test_loss" json:"test_loss,omitempty"`
	AllScore     map[string]float64   `gorm:"column:all_score;serializer:json" json:"all_score,omitempty"`
	AllScores    []map[string]float64 `gorm:"column:all_scores;serializer:json" json:"all_scores,omitempty"`
	TestAllScore map[string]float64   `gorm:"column:test_all_score;serializer:json" json:"test_all_score,omitempty"`

	ModelsBit  []byte `gorm:"column:models_bit" json:"-"`
	ModelsPath string `gorm:"column:models_path;size:255" json:"models_path,omitempty"`

	YTrueIndexes []byte `gorm:"column:y_true_indexes" json:"-"`
	YPreds       []byte `gorm:"column:y_preds" json:"-"`
	YTestTrue    []byte `gorm:"column:y_test_true" json:"-"`
	YTestPred    []byte `gorm:"column:y_test_pred" json:"-"`

	ProgramHyperParam map[string]any `gorm:"column:program_hyper_param;serializer:json" json:"program_hyper_param"`
	DictHyperParam    map[string]any `gorm:"column:dict_hyper_param;serializer:json" json:"dict_hyper_param"`

	Status      Status    `gorm:"column:status;size:16;not null;index" json:"status"`
	FailedInfo  string    `gorm:"column:failed_info" json:"failed_info,omitempty"`
	WarningInfo string    `gorm:"column:warning_info" json:"warning_info,omitempty"`
	Worker      string    `gorm:"column:worker;size:128" json:"worker"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Trial) TableName() string { return "trials" }

// HasModels reports whether the trial carries a model bundle in either mode.
func (t *Trial) HasModels() bool {
	return len(t.ModelsBit) > 0 || t.ModelsPath != ""
}

// Predictions are the validation and test predictions kept with a trial for
// downstream stacking.
type Predictions struct {
	YTrueIndexes [][]int
	YPreds       [][]float64
	YTestTrue    []float64
	YTestPred    []float64
}

func (t *Trial) SetPredictions(p *Predictions) error {
	var err error
	if t.YTrueIndexes, err = encodeOptional(p.YTrueIndexes); err != nil {
		return fmt.Errorf("encoding y_true_indexes: %w", err)
	}
	if t.YPreds, err = encodeOptional(p.YPreds); err != nil {
		return fmt.Errorf("encoding y_preds: %w", err)
	}
	if t.YTestTrue, err = encodeOptional(p.YTestTrue); err != nil {
		return fmt.Errorf("encoding y_test_true: %w", err)
	}
	if t.YTestPred, err = encodeOptional(p.YTestPred); err != nil {
		return fmt.Errorf("encoding y_test_pred: %w", err)
	}
	return nil
}

func (t *Trial) Predictions() (*Predictions, error) {
	p := &Predictions{}
	for _, f := range []struct {
		name string
		src  []byte
		dst  any
	}{
		{"y_true_indexes", t.YTrueIndexes, &p.YTrueIndexes},
		{"y_preds", t.YPreds, &p.YPreds},
		{"y_test_true", t.YTestTrue, &p.YTestTrue},
		{"y_test_pred", t.YTestPred, &p.YTestPred},
	} {
		if len(f.src) == 0 {
			continue
		}
		if err := msgpack.Unmarshal(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.name, err)
		}
	}
	return p, nil
}

func encodeOptional[T any](v []T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

// WorkerMeta summarises one worker process of a run.
type WorkerMeta struct {
	Worker     int    `json:"worker"`
	Master     bool   `json:"master"`
	DurationS  int    `json:"duration_s"`
	ExitCode   int    `json:"exit_code"`
	ExitReason string `json:"exit_reason"`
	LogPath    string `json:"log_path"`
}
