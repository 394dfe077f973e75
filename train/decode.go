package train

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/infosave2007/graphsum/beam"
	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
	"github.com/infosave2007/graphsum/vocab"
)

// Output file names under the decode directory, one line per example.
const (
	DecodedFile   = "decoded.txt"
	ReferenceFile = "reference.txt"
)

// RunDecode beam-decodes every example from the source and writes the
// produced summaries next to their references. Each example is tiled
// across the batch so the beam hypotheses share one encoder pass.
func RunDecode(ctx context.Context, dec beam.Decoder, src data.Source, outDir string, log zerolog.Logger) error {
	cfg := dec.Config()
	if cfg.Mode != config.ModeDecode {
		return errors.Errorf("train: decode needs mode %q, got %q", config.ModeDecode, cfg.Mode)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "train: decode dir")
	}

	decodedF, err := os.Create(filepath.Join(outDir, DecodedFile))
	if err != nil {
		return errors.Wrap(err, "train: create decoded file")
	}
	defer decodedF.Close()
	refF, err := os.Create(filepath.Join(outDir, ReferenceFile))
	if err != nil {
		return errors.Wrap(err, "train: create reference file")
	}
	defer refF.Close()

	decoded := bufio.NewWriter(decodedF)
	refs := bufio.NewWriter(refF)

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ex, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		bt, err := data.RepeatedBatch(ex, dec.Vocab(), cfg)
		if err != nil {
			return err
		}

		start := time.Now()
		best, err := beam.Search(dec, bt)
		if err != nil {
			return err
		}
		words, err := summaryWords(dec.Vocab(), best.Tokens, ex.ArticleOOVs)
		if err != nil {
			return err
		}

		if _, err := decoded.WriteString(strings.Join(words, " ") + "\n"); err != nil {
			return errors.Wrap(err, "train: write decoded")
		}
		if _, err := refs.WriteString(strings.Join(ex.AbstractWords, " ") + "\n"); err != nil {
			return errors.Wrap(err, "train: write reference")
		}
		n++

		log.Info().
			Int("example", n).
			Int("tokens", len(best.Tokens)).
			Float64("avg_log_prob", best.AvgLogProb()).
			Dur("dur", time.Since(start)).
			Msg("decoded")
	}

	if err := decoded.Flush(); err != nil {
		return errors.Wrap(err, "train: flush decoded")
	}
	if err := refs.Flush(); err != nil {
		return errors.Wrap(err, "train: flush references")
	}
	log.Info().Int("examples", n).Str("dir", outDir).Msg("decode pass done")
	return nil
}

// summaryWords turns a finished hypothesis into output words: the start
// token is dropped, the sequence is cut at the first stop token, and
// pointed ids past the fixed vocabulary resolve through the article's
// OOV list.
func summaryWords(v *vocab.Vocab, tokens []int, articleOOVs []string) ([]string, error) {
	if len(tokens) > 0 && tokens[0] == v.StartID() {
		tokens = tokens[1:]
	}
	for i, id := range tokens {
		if id == v.StopID() {
			tokens = tokens[:i]
			break
		}
	}
	return v.OutputIDsToWords(tokens, articleOOVs)
}
