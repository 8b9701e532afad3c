// Package seq2seqlm implements autoregressive text generation with an
// encoder-decoder transformer: the source text is encoded once, and the decoder is
// run incrementally, one position per step, over fixed-shape attention caches.
//
// The heavy lifting is split between the transformers package (the graph-level
// model) and the samplers package (the decoding loop and token selection); this
// package owns the orchestration: cache allocation and seeding, the next-token
// closure handed to the sampler, input normalization and output masking.
package seq2seqlm

import (
	"github.com/gomlx/bart/samplers"
	"github.com/gomlx/bart/transformers"
	"github.com/gomlx/bart/trees"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Preprocessor converts raw text to the fixed-length tensors of a generation batch
// and back. The sentencepiece package provides the standard implementation.
type Preprocessor interface {
	// GeneratePreprocess tokenizes the inputs into a batch with the given sequence
	// lengths: encoder tokens padded to encoderLength, decoder prompts (start token
	// plus any caller-supplied prefix) padded to decoderLength.
	GeneratePreprocess(inputs []Input, encoderLength, decoderLength int) (*Batch, error)

	// GeneratePostprocess detokenizes generated sequences, dropping padding and
	// special tokens according to the mask.
	GeneratePostprocess(tokenIDs, paddingMask *tensors.Tensor) ([]string, error)

	// EndTokenID returns the token that terminates generation, and whether one is
	// configured. Without it generation runs to the maximum length.
	EndTokenID() (int, bool)
}

// Seq2SeqLM generates text with an encoder-decoder transformer.
//
// Not safe for concurrent generation calls; each call owns its caches exclusively,
// but the lazily compiled graph handles are shared.
type Seq2SeqLM struct {
	backend backends.Backend
	config  *transformers.Config
	ctx     *context.Context

	preprocessor Preprocessor
	sampler      samplers.Sampler
	endTokenID   int

	// Compiled handles, built lazily and discarded on SetSampler.
	seedExec *context.Exec
	maskExec *Exec
}

// Option configures a Seq2SeqLM being created by New.
type Option func(*Seq2SeqLM)

// WithPreprocessor attaches the tokenizer used by Generate and the text helpers.
// Without one, only GenerateStep with pre-built batches is available.
func WithPreprocessor(p Preprocessor) Option {
	return func(m *Seq2SeqLM) { m.preprocessor = p }
}

// WithSampler sets the initial sampling strategy. The default is greedy search.
func WithSampler(s samplers.Sampler) Option {
	return func(m *Seq2SeqLM) { m.sampler = s }
}

// WithContext supplies the variable context holding the model weights. Without one a
// fresh context is created and the weights are randomly initialized on first use.
func WithContext(ctx *context.Context) Option {
	return func(m *Seq2SeqLM) { m.ctx = ctx }
}

// New creates a Seq2SeqLM for the given model configuration.
func New(backend backends.Backend, config *transformers.Config, options ...Option) (*Seq2SeqLM, error) {
	if backend == nil {
		return nil, errors.New("seq2seqlm: backend must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Seq2SeqLM{
		backend:    backend,
		config:     config,
		sampler:    samplers.NewGreedy(),
		endTokenID: -1,
	}
	for _, option := range options {
		option(m)
	}
	if m.ctx == nil {
		m.ctx = context.New()
	}
	// Every generation call rebuilds the model graph over the same variables, and
	// contrastive search builds it twice per step.
	m.ctx = m.ctx.Checked(false)
	if m.preprocessor != nil {
		if id, ok := m.preprocessor.EndTokenID(); ok {
			m.endTokenID = id
		} else {
			klog.Warning("seq2seqlm: preprocessor has no end token, generation always runs to the maximum length")
		}
	}
	return m, nil
}

// Config returns the model configuration.
func (m *Seq2SeqLM) Config() *transformers.Config { return m.config }

// Context returns the variable context holding the model weights.
func (m *Seq2SeqLM) Context() *context.Context { return m.ctx }

// Sampler returns the current sampling strategy.
func (m *Seq2SeqLM) Sampler() samplers.Sampler { return m.sampler }

// SetSampler switches the sampling strategy. Compiled generation handles are
// discarded and rebuilt on the next call.
func (m *Seq2SeqLM) SetSampler(s samplers.Sampler) {
	if s == nil {
		s = samplers.NewGreedy()
	}
	m.sampler = s
	m.seedExec = nil
	m.maskExec = nil
}

// GenerateStep completes the decoder prompts of one preprocessed batch. It returns
// the full decoder token buffer and the recomputed padding mask, which is true up to
// and including each row's first generated end token.
//
// The whole pipeline is fixed-shape: the encoder runs once, the caches are seeded
// with a single pass over the decoder prompts, and the sampler then generates from
// the shortest prompt length up to the buffer length.
func (m *Seq2SeqLM) GenerateStep(batch *Batch) (tokenIDs, paddingMask *tensors.Tensor, err error) {
	if err = batch.validate(m.config); err != nil {
		return nil, nil, err
	}
	batchSize := batch.DecoderTokenIDs.Shape().Dim(0)
	encoderLength := batch.EncoderTokenIDs.Shape().Dim(1)
	decoderLength := batch.DecoderTokenIDs.Shape().Dim(1)

	selfCache, err := transformers.NewSelfAttentionCache(m.config, batchSize, decoderLength)
	if err != nil {
		return nil, nil, err
	}
	crossCache, err := transformers.NewCrossAttentionCache(m.config, batchSize, encoderLength)
	if err != nil {
		return nil, nil, err
	}

	// Encoder pass and cache seeding, one compiled graph.
	if m.seedExec == nil {
		m.seedExec = m.buildSeedExec(selfCache, crossCache)
	}
	args := []any{batch.EncoderTokenIDs, batch.EncoderPaddingMask, batch.DecoderTokenIDs}
	for _, leaf := range selfCache.Values() {
		args = append(args, leaf)
	}
	for _, leaf := range crossCache.Values() {
		args = append(args, leaf)
	}
	var seeded []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { seeded = m.seedExec.Call(args...) })
	if err != nil {
		return nil, nil, errors.WithMessage(err, "while seeding the generation caches")
	}
	numLeaves := 2 * m.config.NumLayers
	encoderHidden, promptHidden := seeded[0], seeded[1]
	selfLeaves := seeded[2 : 2+numLeaves]
	crossLeaves := seeded[2+numLeaves:]

	index, err := startIndex(batch.DecoderPaddingMask)
	if err != nil {
		return nil, nil, err
	}
	tokenIDs = batch.DecoderTokenIDs
	if index < decoderLength {
		state := []*tensors.Tensor{encoderHidden, batch.EncoderPaddingMask}
		state = append(state, selfLeaves...)
		state = append(state, crossLeaves...)
		tokenIDs, err = m.sampler.Run(&samplers.LoopInputs{
			Backend:      m.backend,
			Ctx:          m.ctx,
			Next:         m.nextFn(selfCache, crossCache),
			Prompt:       batch.DecoderTokenIDs,
			Mask:         batch.DecoderPaddingMask,
			State:        state,
			Index:        index,
			EndTokenID:   m.endTokenID,
			HiddenStates: promptHidden,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	paddingMask, err = m.outputMask(tokenIDs, batch.DecoderPaddingMask)
	if err != nil {
		return nil, nil, err
	}
	return tokenIDs, paddingMask, nil
}

// buildSeedExec compiles the graph running the encoder and seeding both caches from
// the full decoder prompt in one pass. The cache arguments only contribute their tree
// structure, which is fixed by the model configuration.
func (m *Seq2SeqLM) buildSeedExec(selfCache, crossCache *transformers.Cache) *context.Exec {
	config := m.config
	numLeaves := 2 * config.NumLayers
	return context.NewExec(m.backend, m.ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			encoderTokens, encoderMask, decoderTokens := inputs[0], inputs[1], inputs[2]
			selfTree := selfCache.NodesFromValues(inputs[3 : 3+numLeaves])
			crossTree := crossCache.NodesFromValues(inputs[3+numLeaves:])

			encoderHidden := transformers.Encode(ctx, config, encoderTokens, encoderMask)
			_, hidden, newSelf, newCross := transformers.SeedCache(ctx, config,
				decoderTokens, encoderHidden, encoderMask, selfTree, crossTree)

			outputs := []*Node{encoderHidden, hidden}
			outputs = append(outputs, trees.ValuesAsList(newSelf)...)
			return append(outputs, trees.ValuesAsList(newCross)...)
		})
}

// nextFn builds the sampler's decode closure: consume the token at index-1, update
// the self cache at that position, return the logits for position index.
//
// The state layout is [encoderHidden, encoderMask, selfCache leaves..., crossCache
// leaves...]. Samplers that widen or reorder the batch do so uniformly across all
// leaves, so only the leading axis may differ from the original batch.
func (m *Seq2SeqLM) nextFn(selfCache, crossCache *transformers.Cache) samplers.NextFn {
	config := m.config
	numLeaves := 2 * config.NumLayers
	return func(ctx *context.Context, prompt *Node, state []*Node, index *Node) (*Node, *Node, []*Node) {
		g := prompt.Graph()
		batchSize := prompt.Shape().Dim(0)
		encoderHidden, encoderMask := state[0], state[1]
		selfTree := selfCache.NodesFromValues(state[2 : 2+numLeaves])
		crossTree := crossCache.NodesFromValues(state[2+numLeaves : 2+2*numLeaves])

		cacheIndex := Sub(index, Const(g, int32(1)))
		window := DynamicSlice(prompt,
			[]*Node{ScalarZero(g, dtypes.Int32), cacheIndex}, []int{batchSize, 1})

		logits, hidden, newSelf, newCross := transformers.DecodeWithCache(ctx, config,
			window, encoderHidden, encoderMask, selfTree, crossTree, cacheIndex, false)

		newState := []*Node{encoderHidden, encoderMask}
		newState = append(newState, trees.ValuesAsList(newSelf)...)
		newState = append(newState, trees.ValuesAsList(newCross)...)
		return Reshape(logits, batchSize, config.VocabSize),
			Reshape(hidden, batchSize, config.HiddenDim),
			newState
	}
}

// outputMask recomputes the padding mask after generation: a position is valid up to
// and including the row's first end token outside the original prompt; everything
// written after that is noise and gets masked out. Without a configured end token
// the whole buffer is valid.
func (m *Seq2SeqLM) outputMask(tokenIDs, originalMask *tensors.Tensor) (*tensors.Tensor, error) {
	endTokenID := m.endTokenID
	if m.maskExec == nil {
		m.maskExec = NewExec(m.backend, func(tokens, original *Node) *Node {
			g := tokens.Graph()
			if endTokenID < 0 {
				return OnesLike(original)
			}
			ends := And(Equal(tokens, Const(g, int32(endTokenID))), Not(original))
			endsBefore := ConvertDType(ends, dtypes.Int32)
			endsBefore = Sub(CumSum(endsBefore, -1), endsBefore)
			return Equal(endsBefore, ScalarZero(g, dtypes.Int32))
		})
	}
	var mask *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		mask = m.maskExec.Call(tokenIDs, originalMask)[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while recomputing the output padding mask")
	}
	return mask, nil
}

// startIndex returns the shared generation start position: the smallest per-row
// count of known prompt tokens. Rows with longer prompts are replayed until the
// shared index catches up, with their tokens protected from being overwritten.
func startIndex(decoderPaddingMask *tensors.Tensor) (int, error) {
	batchSize := decoderPaddingMask.Shape().Dim(0)
	length := decoderPaddingMask.Shape().Dim(1)
	shortest := length
	tensors.ConstFlatData(decoderPaddingMask, func(flat []bool) {
		for row := range batchSize {
			count := 0
			for _, valid := range flat[row*length : (row+1)*length] {
				if valid {
					count++
				}
			}
			shortest = min(shortest, count)
		}
	})
	if shortest < 1 {
		return 0, errors.New("seq2seqlm: every decoder prompt needs at least its start token")
	}
	return shortest, nil
}
