package dgt

import "github.com/dreamware/dgtps/internal/config"

// PipelineConfig holds the process-wide DGT knobs described in §6 of the
// specification. It is loaded once per worker from the environment; tests
// construct it directly instead of touching the process environment.
type PipelineConfig struct {
	// ContriAlpha is the EWMA smoothing factor for the contribution
	// estimator (DGT_CONTRI_ALPHA, default 0.3).
	ContriAlpha float64
	// SetRandom shuffles ranked fragments instead of sorting them by
	// contribution when true (DGT_SET_RANDOM=1).
	SetRandom bool
	// Info enables verbose diagnostic logging (DGT_INFO=1).
	Info bool
	// EnableBlock fragments push payloads into BlockSize chunks when
	// true; otherwise the whole payload is one block (DGT_ENABLE_BLOCK).
	EnableBlock bool
	// BlockSize is the fragment size in bytes when EnableBlock is set
	// (DGT_BLOCK_SIZE).
	BlockSize int
	// EnableDGT routes fragments through the channel classifier when
	// true; otherwise every fragment goes through the plain reliable
	// send path (ENABLE_DGT).
	EnableDGT bool
	// ClearZero suppresses zero-score fragments, except the terminator
	// (CLEAR_ZERO=1).
	ClearZero bool
}

// LoadPipelineConfig reads PipelineConfig from the process environment.
func LoadPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ContriAlpha: config.GetenvFloat("DGT_CONTRI_ALPHA", 0.3),
		SetRandom:   config.GetenvBool("DGT_SET_RANDOM"),
		Info:        config.GetenvBool("DGT_INFO"),
		EnableBlock: config.GetenvBool("DGT_ENABLE_BLOCK"),
		BlockSize:   config.GetenvInt("DGT_BLOCK_SIZE", 0),
		EnableDGT:   config.GetenvBool("ENABLE_DGT"),
		ClearZero:   config.GetenvBool("CLEAR_ZERO"),
	}
}
