package data

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/vocab"
)

// Source yields preprocessed examples until io.EOF.
type Source interface {
	Next() (*Example, error)
}

// TSVSource reads whitespace-tokenized "article<TAB>abstract[<TAB>query]"
// lines. When a GCN branch is on and the dataset carries no parses, each
// sequence gets the successor-chain graph so the graph layers always have
// edges to aggregate over.
type TSVSource struct {
	f    *os.File
	sc   *bufio.Scanner
	v    *vocab.Vocab
	cfg  *config.Config
	line int
}

// OpenTSV opens a dataset file for sequential reading.
func OpenTSV(path string, v *vocab.Vocab, cfg *config.Config) (*TSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "data: opening dataset")
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &TSVSource{f: f, sc: sc, v: v, cfg: cfg}, nil
}

// Next returns the next example. Blank and malformed lines are skipped.
func (s *TSVSource) Next() (*Example, error) {
	for s.sc.Scan() {
		s.line++
		parts := strings.Split(s.sc.Text(), "\t")
		if len(parts) < 2 {
			continue
		}
		article := strings.Fields(parts[0])
		abstract := strings.Fields(parts[1])
		var query []string
		if len(parts) > 2 {
			query = strings.Fields(parts[2])
		}
		if len(article) == 0 || len(abstract) == 0 {
			continue
		}

		ex, err := NewExample(article, abstract, query, s.v, s.cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "data: line %d", s.line)
		}
		if s.cfg.WordGCN {
			if err := ex.AttachWordGraph(ChainEdges(ex.EncLen, s.cfg.LabelCount())); err != nil {
				return nil, errors.Wrapf(err, "data: line %d", s.line)
			}
		}
		if s.cfg.QueryGCN {
			if err := ex.AttachQueryGraph(ChainEdges(ex.QueryLen, s.cfg.LabelCount())); err != nil {
				return nil, errors.Wrapf(err, "data: line %d", s.line)
			}
		}
		return ex, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, errors.Wrap(err, "data: reading dataset")
	}
	return nil, io.EOF
}

// Close releases the underlying file.
func (s *TSVSource) Close() error {
	return errors.Wrap(s.f.Close(), "data: closing dataset")
}
