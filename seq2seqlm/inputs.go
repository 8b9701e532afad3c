package seq2seqlm

import (
	"iter"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/bart/transformers"
)

// Input is one raw generation example: the source text to condition on, and an
// optional prefix already deciding the start of the generated text.
type Input struct {
	EncoderText string
	DecoderText string
}

// Batch holds the preprocessed tensors of one generation batch. Token ids are int32,
// masks are bool with true marking real tokens; all four are [batchSize, length]
// with the encoder and decoder pairs sharing their respective lengths.
type Batch struct {
	EncoderTokenIDs    *tensors.Tensor
	EncoderPaddingMask *tensors.Tensor
	DecoderTokenIDs    *tensors.Tensor
	DecoderPaddingMask *tensors.Tensor
}

// Generated holds the raw result of completing one batch: the full decoder buffers
// and the recomputed validity mask.
type Generated struct {
	TokenIDs    *tensors.Tensor
	PaddingMask *tensors.Tensor
}

func (b *Batch) validate(config *transformers.Config) error {
	if b == nil || b.EncoderTokenIDs == nil || b.EncoderPaddingMask == nil ||
		b.DecoderTokenIDs == nil || b.DecoderPaddingMask == nil {
		return errors.New("seq2seqlm: batch requires all four tensors to be set")
	}
	for _, part := range []struct {
		name   string
		tokens *tensors.Tensor
		mask   *tensors.Tensor
		limit  int
	}{
		{"encoder", b.EncoderTokenIDs, b.EncoderPaddingMask, config.EncoderSeqLength},
		{"decoder", b.DecoderTokenIDs, b.DecoderPaddingMask, config.DecoderSeqLength},
	} {
		if part.tokens.Rank() != 2 || part.tokens.DType() != dtypes.Int32 {
			return errors.Errorf("seq2seqlm: %s token ids must be int32 [batchSize, length], got %s",
				part.name, part.tokens.Shape())
		}
		if part.mask.DType() != dtypes.Bool ||
			!part.mask.Shape().EqualDimensions(part.tokens.Shape()) {
			return errors.Errorf("seq2seqlm: %s padding mask must be bool shaped %s, got %s",
				part.name, part.tokens.Shape(), part.mask.Shape())
		}
		if length := part.tokens.Shape().Dim(1); length > part.limit {
			return errors.Errorf("seq2seqlm: %s length %d exceeds the configured maximum %d",
				part.name, length, part.limit)
		}
	}
	if b.EncoderTokenIDs.Shape().Dim(0) != b.DecoderTokenIDs.Shape().Dim(0) {
		return errors.Errorf("seq2seqlm: encoder batch size %d != decoder batch size %d",
			b.EncoderTokenIDs.Shape().Dim(0), b.DecoderTokenIDs.Shape().Dim(0))
	}
	return nil
}

// Generate completes the given inputs and returns results of a shape matching the
// input:
//
//   - string or Input: a single generated string.
//   - []string or []Input: a []string, in order.
//   - *Batch: a *Generated with the token and mask tensors.
//   - iter.Seq of []string, []Input or *Batch: batches are processed sequentially in
//     order and the results concatenated ([]string or *Generated).
//
// maxLength bounds the decoder sequence, prompt included; zero means the configured
// maximum. Text inputs require a Preprocessor.
func (m *Seq2SeqLM) Generate(inputs any, maxLength int) (any, error) {
	if maxLength == 0 {
		maxLength = m.config.DecoderSeqLength
	}
	if maxLength < 1 || maxLength > m.config.DecoderSeqLength {
		return nil, errors.Errorf("seq2seqlm: maxLength %d out of range [1, %d]",
			maxLength, m.config.DecoderSeqLength)
	}
	switch typed := inputs.(type) {
	case string:
		return m.generateSingle(Input{EncoderText: typed}, maxLength)
	case Input:
		return m.generateSingle(typed, maxLength)
	case []string:
		return m.generateTexts(textsToInputs(typed), maxLength)
	case []Input:
		return m.generateTexts(typed, maxLength)
	case *Batch:
		tokenIDs, paddingMask, err := m.GenerateStep(typed)
		if err != nil {
			return nil, err
		}
		return &Generated{TokenIDs: tokenIDs, PaddingMask: paddingMask}, nil
	case iter.Seq[[]string]:
		var results []string
		for texts := range typed {
			part, err := m.generateTexts(textsToInputs(texts), maxLength)
			if err != nil {
				return nil, err
			}
			results = append(results, part...)
		}
		return results, nil
	case iter.Seq[[]Input]:
		var results []string
		for batch := range typed {
			part, err := m.generateTexts(batch, maxLength)
			if err != nil {
				return nil, err
			}
			results = append(results, part...)
		}
		return results, nil
	case iter.Seq[*Batch]:
		var parts []*Generated
		for batch := range typed {
			tokenIDs, paddingMask, err := m.GenerateStep(batch)
			if err != nil {
				return nil, err
			}
			parts = append(parts, &Generated{TokenIDs: tokenIDs, PaddingMask: paddingMask})
		}
		return concatGenerated(parts)
	}
	return nil, errors.Errorf("seq2seqlm: unsupported input type %T", inputs)
}

// GenerateText completes a single input with the model's default maximum length.
func (m *Seq2SeqLM) GenerateText(encoderText string) (string, error) {
	return m.generateSingle(Input{EncoderText: encoderText}, m.config.DecoderSeqLength)
}

// GenerateTexts completes a batch of inputs with the model's default maximum length.
func (m *Seq2SeqLM) GenerateTexts(encoderTexts []string) ([]string, error) {
	return m.generateTexts(textsToInputs(encoderTexts), m.config.DecoderSeqLength)
}

func (m *Seq2SeqLM) generateSingle(input Input, maxLength int) (string, error) {
	results, err := m.generateTexts([]Input{input}, maxLength)
	if err != nil {
		return "", err
	}
	return results[0], nil
}

func (m *Seq2SeqLM) generateTexts(inputs []Input, maxLength int) ([]string, error) {
	if m.preprocessor == nil {
		return nil, errors.New("seq2seqlm: text generation requires a Preprocessor, see WithPreprocessor")
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	batch, err := m.preprocessor.GeneratePreprocess(inputs, m.config.EncoderSeqLength, maxLength)
	if err != nil {
		return nil, err
	}
	tokenIDs, paddingMask, err := m.GenerateStep(batch)
	if err != nil {
		return nil, err
	}
	return m.preprocessor.GeneratePostprocess(tokenIDs, paddingMask)
}

func textsToInputs(texts []string) []Input {
	inputs := make([]Input, len(texts))
	for ii, text := range texts {
		inputs[ii] = Input{EncoderText: text}
	}
	return inputs
}

// concatGenerated concatenates per-batch results along the batch axis. All batches
// must share the same decoder length.
func concatGenerated(parts []*Generated) (*Generated, error) {
	if len(parts) == 0 {
		return nil, errors.New("seq2seqlm: empty batch stream")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	length := parts[0].TokenIDs.Shape().Dim(1)
	tokenParts := make([]*tensors.Tensor, len(parts))
	maskParts := make([]*tensors.Tensor, len(parts))
	for ii, part := range parts {
		if part.TokenIDs.Shape().Dim(1) != length {
			return nil, errors.Errorf(
				"seq2seqlm: cannot concatenate batches with decoder lengths %d and %d",
				length, part.TokenIDs.Shape().Dim(1))
		}
		tokenParts[ii] = part.TokenIDs
		maskParts[ii] = part.PaddingMask
	}
	return &Generated{
		TokenIDs:    concatRows[int32](tokenParts),
		PaddingMask: concatRows[bool](maskParts),
	}, nil
}

func concatRows[T dtypes.Supported](parts []*tensors.Tensor) *tensors.Tensor {
	var flat []T
	for _, part := range parts {
		flat = append(flat, tensors.CopyFlatData[T](part)...)
	}
	length := parts[0].Shape().Dim(1)
	return tensors.FromFlatDataAndDimensions(flat, len(flat)/length, length)
}
