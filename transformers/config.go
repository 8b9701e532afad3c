package transformers

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Config describes a BART-style encoder-decoder transformer used for seq2seq
// language modeling.
//
// The two sequence lengths are upper bounds: the actual lengths used by a
// generation call are taken from the shapes of the input tensors, and must not
// exceed them.
type Config struct {
	DType dtypes.DType

	VocabSize       int
	NumLayers       int
	NumHeads        int
	HiddenDim       int
	IntermediateDim int

	EncoderSeqLength int
	DecoderSeqLength int

	DropoutRate float64
}

// ConfigOption modifies a Config under construction. See NewConfig.
type ConfigOption func(*Config)

// WithNumLayers sets the number of encoder and decoder layers.
func WithNumLayers(n int) ConfigOption { return func(c *Config) { c.NumLayers = n } }

// WithNumHeads sets the number of attention heads per layer.
func WithNumHeads(n int) ConfigOption { return func(c *Config) { c.NumHeads = n } }

// WithHiddenDim sets the embedding / hidden state dimension.
func WithHiddenDim(n int) ConfigOption { return func(c *Config) { c.HiddenDim = n } }

// WithIntermediateDim sets the feed-forward inner dimension.
func WithIntermediateDim(n int) ConfigOption { return func(c *Config) { c.IntermediateDim = n } }

// WithSequenceLengths sets the maximum encoder and decoder sequence lengths.
func WithSequenceLengths(encoder, decoder int) ConfigOption {
	return func(c *Config) {
		c.EncoderSeqLength = encoder
		c.DecoderSeqLength = decoder
	}
}

// WithDType sets the dtype used for all model parameters and activations.
func WithDType(dtype dtypes.DType) ConfigOption { return func(c *Config) { c.DType = dtype } }

// WithDropoutRate sets the dropout rate used on embeddings during training.
// It has no effect during generation.
func WithDropoutRate(rate float64) ConfigOption { return func(c *Config) { c.DropoutRate = rate } }

// NewConfig creates a Config for the given vocabulary size. The defaults match the
// "base" size of the original BART model; use options to override them.
func NewConfig(vocabSize int, options ...ConfigOption) (*Config, error) {
	c := &Config{
		DType:            dtypes.Float32,
		VocabSize:        vocabSize,
		NumLayers:        6,
		NumHeads:         12,
		HiddenDim:        768,
		IntermediateDim:  3072,
		EncoderSeqLength: 1024,
		DecoderSeqLength: 1024,
		DropoutRate:      0.1,
	}
	for _, option := range options {
		option(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// HeadDim returns the per-head dimension of the attention projections.
func (c *Config) HeadDim() int { return c.HiddenDim / c.NumHeads }

// Validate checks the dimensions are consistent. An invalid configuration is a
// programmer error: generation never retries or repairs it.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return errors.Errorf("transformers.Config: VocabSize must be positive, got %d", c.VocabSize)
	}
	if c.NumLayers <= 0 {
		return errors.Errorf("transformers.Config: NumLayers must be positive, got %d", c.NumLayers)
	}
	if c.NumHeads <= 0 || c.HiddenDim <= 0 {
		return errors.Errorf("transformers.Config: NumHeads (%d) and HiddenDim (%d) must be positive",
			c.NumHeads, c.HiddenDim)
	}
	if c.HiddenDim%c.NumHeads != 0 {
		return errors.Errorf("transformers.Config: HiddenDim (%d) must be divisible by NumHeads (%d)",
			c.HiddenDim, c.NumHeads)
	}
	if c.IntermediateDim <= 0 {
		return errors.Errorf("transformers.Config: IntermediateDim must be positive, got %d", c.IntermediateDim)
	}
	if c.EncoderSeqLength <= 0 || c.DecoderSeqLength <= 0 {
		return errors.Errorf("transformers.Config: sequence lengths must be positive, got encoder=%d decoder=%d",
			c.EncoderSeqLength, c.DecoderSeqLength)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("transformers.Config: DropoutRate must be in [0, 1), got %g", c.DropoutRate)
	}
	if !c.DType.IsFloat() {
		return errors.Errorf("transformers.Config: DType must be a float type, got %s", c.DType)
	}
	return nil
}
