package config

import "fmt"

const (
	// DefaultTeacherModel is the multilingual teacher the student imitates.
	DefaultTeacherModel = "sentence-transformers/stsb-xlm-r-multilingual"
	// DefaultStudentModel is the base encoder the student starts from.
	DefaultStudentModel = "xlm-roberta-base"

	// PresetTSV trains one epoch on a tab-separated corpus and keeps only
	// the best checkpoint.
	PresetTSV = "tsv"
	// PresetFull trains ten epochs on a "###"-separated corpus and saves the
	// final student after the best checkpoint.
	PresetFull = "full"
)

// Preset returns the training constants for a named preset.
func Preset(name string) (TrainingConfig, error) {
	base := TrainingConfig{
		Preset:            name,
		MaxSentenceLength: 250,
		EvaluationSteps:   500,
		EvaluationLines:   500,
		LearningRate:      2e-5,
		Epsilon:           1e-6,
		WeightDecay:       0.01,
		MaxGradNorm:       1.0,
		SaveBestModel:     true,
		Seed:              42,
	}

	switch name {
	case PresetTSV:
		base.Delimiter = "\t"
		base.TrainBatchSize = 64
		base.InferenceBatchSize = 64
		base.MaxSentences = 500000
		base.Epochs = 1
		base.WarmupSteps = 10000
		base.OutputPath = "output/bangla-sentence-transformer"
	case PresetFull:
		base.Delimiter = "###"
		base.TrainBatchSize = 32
		base.InferenceBatchSize = 32
		base.MaxSentences = 0
		base.Epochs = 10
		base.WarmupSteps = 8000
		base.OutputPath = "output/bangla-sentence-transformer-full"
		base.FinalSave = true
	default:
		return TrainingConfig{}, fmt.Errorf("unknown preset %q (want %s or %s)", name, PresetTSV, PresetFull)
	}

	return base, nil
}
