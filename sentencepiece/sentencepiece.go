// Package sentencepiece adapts github.com/eliben/go-sentencepiece to the tensor
// preprocessing the seq2seqlm package expects: tokenize raw text into fixed-length
// int32 buffers with padding masks, and detokenize generated buffers back to text.
package sentencepiece

import (
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"

	"github.com/gomlx/bart/seq2seqlm"
)

// Processor wraps a sentencepiece model and implements seq2seqlm.Preprocessor.
//
// The special token ids default to the BART convention. A negative EndID disables
// early stopping.
type Processor struct {
	proc *esentencepiece.Processor

	// StartID, EndID, PadID and UnknownID are the special token ids.
	//
	// TODO: read from the tokenizer model instead.
	StartID, EndID, PadID, UnknownID int
}

// NewFromPath loads a sentencepiece model file.
func NewFromPath(vocabPath string) (*Processor, error) {
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece from %q", vocabPath)
	}
	return &Processor{
		proc:      proc,
		StartID:   0,
		PadID:     1,
		EndID:     2,
		UnknownID: 3,
	}, nil
}

type Token = esentencepiece.Token

// Encode returns the text tokenized into ids, without special tokens.
func (p *Processor) Encode(text string) []int {
	tokens := p.proc.Encode(text)
	return xslices.Map(tokens, func(t Token) int { return t.ID })
}

// Decode returns the text of a sequence of ids.
func (p *Processor) Decode(ids []int) string {
	return p.proc.Decode(ids)
}

// EndTokenID implements seq2seqlm.Preprocessor.
func (p *Processor) EndTokenID() (int, bool) {
	return p.EndID, p.EndID >= 0
}

// GeneratePreprocess tokenizes the inputs into one generation batch.
//
// Encoder sequences are framed as "<s> text </s>" and padded to encoderLength.
// Decoder prompts follow the BART decoding convention, "</s> <s>" followed by any
// caller-supplied prefix, so every row has at least two known tokens. Sequences too
// long for their buffer are truncated, keeping the encoder's closing end token.
func (p *Processor) GeneratePreprocess(inputs []seq2seqlm.Input, encoderLength, decoderLength int) (*seq2seqlm.Batch, error) {
	if len(inputs) == 0 {
		return nil, errors.New("sentencepiece: empty input batch")
	}
	encoderIDs := make([][]int, len(inputs))
	decoderIDs := make([][]int, len(inputs))
	for ii, input := range inputs {
		encoded := append([]int{p.StartID}, p.Encode(input.EncoderText)...)
		if len(encoded) > encoderLength-1 {
			encoded = encoded[:encoderLength-1]
		}
		encoderIDs[ii] = append(encoded, p.EndID)

		prompt := []int{p.EndID, p.StartID}
		prompt = append(prompt, p.Encode(input.DecoderText)...)
		if len(prompt) > decoderLength {
			prompt = prompt[:decoderLength]
		}
		decoderIDs[ii] = prompt
	}
	encoderTokens, encoderMask := packSequences(encoderIDs, encoderLength, p.PadID)
	decoderTokens, decoderMask := packSequences(decoderIDs, decoderLength, p.PadID)
	return &seq2seqlm.Batch{
		EncoderTokenIDs:    encoderTokens,
		EncoderPaddingMask: encoderMask,
		DecoderTokenIDs:    decoderTokens,
		DecoderPaddingMask: decoderMask,
	}, nil
}

// GeneratePostprocess detokenizes generated buffers, keeping only the positions the
// mask marks valid and dropping the special tokens.
func (p *Processor) GeneratePostprocess(tokenIDs, paddingMask *tensors.Tensor) ([]string, error) {
	if tokenIDs.Rank() != 2 || !paddingMask.Shape().EqualDimensions(tokenIDs.Shape()) {
		return nil, errors.Errorf("sentencepiece: tokens %s and mask %s must be matching [batchSize, length] tensors",
			tokenIDs.Shape(), paddingMask.Shape())
	}
	batchSize := tokenIDs.Shape().Dim(0)
	length := tokenIDs.Shape().Dim(1)
	ids := tensors.CopyFlatData[int32](tokenIDs)
	valid := tensors.CopyFlatData[bool](paddingMask)

	texts := make([]string, batchSize)
	for row := range batchSize {
		kept := make([]int, 0, length)
		for col := range length {
			flatIdx := row*length + col
			if !valid[flatIdx] {
				continue
			}
			id := int(ids[flatIdx])
			if id == p.StartID || id == p.EndID || id == p.PadID {
				continue
			}
			kept = append(kept, id)
		}
		texts[row] = p.Decode(kept)
	}
	return texts, nil
}

// packSequences left-aligns the sequences into an int32 token tensor padded with
// padID, with a bool mask marking the real tokens.
func packSequences(sequences [][]int, length, padID int) (tokens, mask *tensors.Tensor) {
	batchSize := len(sequences)
	flatTokens := make([]int32, batchSize*length)
	flatMask := make([]bool, batchSize*length)
	for row, sequence := range sequences {
		for col := range length {
			flatIdx := row*length + col
			if col < len(sequence) {
				flatTokens[flatIdx] = int32(sequence[col])
				flatMask[flatIdx] = true
			} else {
				flatTokens[flatIdx] = int32(padID)
			}
		}
	}
	tokens = tensors.FromFlatDataAndDimensions(flatTokens, batchSize, length)
	mask = tensors.FromFlatDataAndDimensions(flatMask, batchSize, length)
	return
}
