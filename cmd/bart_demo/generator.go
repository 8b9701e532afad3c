package main

import (
	"flag"
	"path"

	"github.com/gomlx/bart/samplers"
	"github.com/gomlx/bart/sentencepiece"
	"github.com/gomlx/bart/seq2seqlm"
	"github.com/gomlx/bart/transformers"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	data "github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir    = flag.String("data", "~/work/bart", "Directory with the model files.")
	flagVocabFile  = flag.String("vocab", "tokenizer.model", "Tokenizer file with vocabulary. Relative to --data directory.")
	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint directory with the model weights, relative to --data directory. Empty initializes the weights randomly.")
	flagVocabSize  = flag.Int("vocab_size", 50265, "Vocabulary size of the model.")
	flagLayers     = flag.Int("layers", 6, "Number of encoder and decoder layers.")
	flagMaxTokens  = flag.Int("max_tokens", 128, "Maximum length of the generated sequence, prompt included.")
	flagSampler    = flag.String("sampler", "greedy", "Sampling strategy: greedy, top-k, top-p, random, beam or contrastive.")
)

// resolvePath makes a flag path absolute relative to --data.
func resolvePath(flagPath string) string {
	resolved := data.ReplaceTildeInDir(flagPath)
	if !path.IsAbs(resolved) {
		dataDir := data.ReplaceTildeInDir(*flagDataDir)
		resolved = path.Join(dataDir, resolved)
	}
	return resolved
}

// BuildTokenizer from flags --data and --vocab. Panics in case of error.
func BuildTokenizer() *sentencepiece.Processor {
	return must.M1(sentencepiece.NewFromPath(resolvePath(*flagVocabFile)))
}

// BuildModel assembles the model from the flags. Panics in case of error.
func BuildModel() *seq2seqlm.Seq2SeqLM {
	tokenizer := BuildTokenizer()
	config := must.M1(transformers.NewConfig(*flagVocabSize,
		transformers.WithNumLayers(*flagLayers),
		transformers.WithSequenceLengths(1024, *flagMaxTokens)))
	sampler := must.M1(samplers.ByName(*flagSampler))

	ctx := context.New()
	if *flagCheckpoint != "" {
		must.M1(checkpoints.Build(ctx).Dir(resolvePath(*flagCheckpoint)).Done())
	}
	return must.M1(seq2seqlm.New(backends.New(), config,
		seq2seqlm.WithContext(ctx),
		seq2seqlm.WithPreprocessor(tokenizer),
		seq2seqlm.WithSampler(sampler)))
}
