package types

import "fmt"

// Texture bake modes supported by the TRELLIS backend.
const (
	BakeModeFast      = "fast"
	BakeModeOptimized = "opt"
)

// GenerationParams is the immutable parameter snapshot attached to a job at
// submission time. Field names mirror the server's form fields.
type GenerationParams struct {
	SparseStructureSampleSteps int     `json:"sparse_structure_sample_steps" yaml:"sparse_structure_sample_steps" env:"SPARSE_STRUCTURE_SAMPLE_STEPS"`
	SparseStructureCFGStrength float64 `json:"sparse_structure_cfg_strength" yaml:"sparse_structure_cfg_strength" env:"SPARSE_STRUCTURE_CFG_STRENGTH"`
	SLATSampleSteps            int     `json:"slat_sample_steps" yaml:"slat_sample_steps" env:"SLAT_SAMPLE_STEPS"`
	SLATCFGStrength            float64 `json:"slat_cfg_strength" yaml:"slat_cfg_strength" env:"SLAT_CFG_STRENGTH"`
	SimplifyRatio              float64 `json:"simplify_ratio" yaml:"simplify_ratio" env:"SIMPLIFY_RATIO"`
	TextureSize                int     `json:"texture_size" yaml:"texture_size" env:"TEXTURE_SIZE"`
	TextureBakeMode            string  `json:"texture_bake_mode" yaml:"texture_bake_mode" env:"TEXTURE_BAKE_MODE"`
}

// DefaultGenerationParams returns the backend's documented defaults.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		SparseStructureSampleSteps: 12,
		SparseStructureCFGStrength: 7.5,
		SLATSampleSteps:            12,
		SLATCFGStrength:            3.5,
		SimplifyRatio:              0.95,
		TextureSize:                1024,
		TextureBakeMode:            BakeModeFast,
	}
}

// Validate checks parameter ranges before submission.
func (p GenerationParams) Validate() error {
	if p.SparseStructureSampleSteps < 1 {
		return NewError(ErrInvalidRequest, "sparse_structure_sample_steps must be >= 1")
	}
	if p.SparseStructureCFGStrength < 0 {
		return NewError(ErrInvalidRequest, "sparse_structure_cfg_strength must be >= 0")
	}
	if p.SLATSampleSteps < 1 {
		return NewError(ErrInvalidRequest, "slat_sample_steps must be >= 1")
	}
	if p.SLATCFGStrength < 0 {
		return NewError(ErrInvalidRequest, "slat_cfg_strength must be >= 0")
	}
	if p.SimplifyRatio < 0 || p.SimplifyRatio > 1 {
		return NewError(ErrInvalidRequest, "simplify_ratio must be in [0, 1]")
	}
	if p.TextureSize < 64 {
		return NewError(ErrInvalidRequest, "texture_size must be >= 64")
	}
	if p.TextureBakeMode != BakeModeFast && p.TextureBakeMode != BakeModeOptimized {
		return NewError(ErrInvalidRequest, fmt.Sprintf("texture_bake_mode must be %q or %q", BakeModeFast, BakeModeOptimized))
	}
	return nil
}
