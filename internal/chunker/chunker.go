// Package chunker splits long texts into bounded, overlapping chunks.
//
// Splitting is recursive: the coarsest separator present in the text is tried
// first, pieces are merged greedily up to the chunk size, and any piece that
// is still too long is split again with the next finer separator. The empty
// separator cuts between code points.
package chunker

import (
	"maps"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Provenance metadata keys set on chunks of a text that was split.
const (
	MetaChunkIndex = "chunk_index"
	MetaChunkCount = "chunk_count"
	MetaStartIndex = "start_index"
)

// DefaultSeparators are ordered from paragraph break down to a hard cut.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter is safe for concurrent use.
type Splitter struct {
	size       int
	overlap    int
	separators [][]rune
}

// Segment is a chunk of a source text. Start is the offset of the segment in
// the source, in code points.
type Segment struct {
	Text  string
	Start int
}

// Chunk is a segment carrying the metadata of the text it came from.
type Chunk struct {
	Content  string
	Metadata map[string]any
	Index    int
	Count    int
	Start    int
}

// New returns a Splitter. An empty separator list selects DefaultSeparators.
func New(size, overlap int, separators []string) (*Splitter, error) {
	if size <= 0 {
		return nil, errdefs.Configurationf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, errdefs.Configurationf("chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, errdefs.Configurationf("chunk overlap %d must be smaller than chunk size %d", overlap, size)
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	s := &Splitter{size: size, overlap: overlap}
	for _, sep := range separators {
		s.separators = append(s.separators, []rune(sep))
	}
	return s, nil
}

// Default returns a Splitter with size 1000, overlap 200 and the default separators.
func Default() *Splitter {
	s, _ := New(DefaultSize, DefaultOverlap, nil)
	return s
}

func (s *Splitter) Size() int    { return s.size }
func (s *Splitter) Overlap() int { return s.overlap }

// Split cuts content into chunks that each carry a copy of metadata. When
// content is split into more than one chunk, every chunk also records its
// index, the chunk count and its start offset.
func (s *Splitter) Split(content string, metadata map[string]any) []Chunk {
	segs := s.Segments(content)
	chunks := make([]Chunk, len(segs))
	for i, seg := range segs {
		meta := make(map[string]any, len(metadata)+3)
		maps.Copy(meta, metadata)
		if len(segs) > 1 {
			meta[MetaChunkIndex] = i
			meta[MetaChunkCount] = len(segs)
			meta[MetaStartIndex] = seg.Start
		}
		chunks[i] = Chunk{
			Content:  seg.Text,
			Metadata: meta,
			Index:    i,
			Count:    len(segs),
			Start:    seg.Start,
		}
	}
	return chunks
}

// Segments splits text without metadata. Text no longer than the chunk size
// is returned unchanged as a single segment.
func (s *Splitter) Segments(text string) []Segment {
	src := []rune(text)
	if len(src) <= s.size {
		return []Segment{{Text: text, Start: 0}}
	}
	spans := s.split(src, span{0, len(src)}, s.separators)
	out := make([]Segment, len(spans))
	for i, sp := range spans {
		out[i] = Segment{Text: string(src[sp.start:sp.end]), Start: sp.start}
	}
	return out
}

type span struct{ start, end int }

func (sp span) len() int { return sp.end - sp.start }

var hardCut = [][]rune{{}}

func (s *Splitter) split(src []rune, r span, separators [][]rune) []span {
	sep := separators[len(separators)-1]
	var finer [][]rune
	for i, c := range separators {
		if len(c) == 0 {
			sep = c
			break
		}
		if indexIn(src, r, c) >= 0 {
			sep = c
			finer = separators[i+1:]
			break
		}
	}

	var out, pending []span
	for _, p := range cut(src, r, sep) {
		if p.len() < s.size {
			pending = append(pending, p)
			continue
		}
		if len(pending) > 0 {
			out = append(out, s.merge(pending)...)
			pending = nil
		}
		switch {
		case len(finer) > 0:
			out = append(out, s.split(src, p, finer)...)
		case len(sep) > 0 && p.len() > s.size:
			out = append(out, s.split(src, p, hardCut)...)
		default:
			out = append(out, p)
		}
	}
	if len(pending) > 0 {
		out = append(out, s.merge(pending)...)
	}
	return out
}

// merge packs contiguous pieces into chunks of at most size code points,
// carrying up to overlap code points of trailing pieces into the next chunk.
func (s *Splitter) merge(pieces []span) []span {
	var (
		out   []span
		cur   []span
		total int
	)
	for _, p := range pieces {
		n := p.len()
		if total+n > s.size && len(cur) > 0 {
			out = append(out, span{cur[0].start, cur[len(cur)-1].end})
			for total > s.overlap || (total+n > s.size && total > 0) {
				total -= cur[0].len()
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
		total += n
	}
	if len(cur) > 0 {
		out = append(out, span{cur[0].start, cur[len(cur)-1].end})
	}
	return out
}

// cut splits r at every occurrence of sep. The separator stays at the start
// of the piece that follows it, so pieces are contiguous. An empty separator
// yields one piece per code point.
func cut(src []rune, r span, sep []rune) []span {
	if len(sep) == 0 {
		out := make([]span, 0, r.len())
		for i := r.start; i < r.end; i++ {
			out = append(out, span{i, i + 1})
		}
		return out
	}
	var out []span
	start := r.start
	for i := r.start; i+len(sep) <= r.end; {
		if !hasPrefix(src[i:r.end], sep) {
			i++
			continue
		}
		if i > start {
			out = append(out, span{start, i})
		}
		start = i
		i += len(sep)
	}
	if r.end > start {
		out = append(out, span{start, r.end})
	}
	return out
}

func indexIn(src []rune, r span, sep []rune) int {
	for i := r.start; i+len(sep) <= r.end; i++ {
		if hasPrefix(src[i:r.end], sep) {
			return i
		}
	}
	return -1
}

func hasPrefix(s, prefix []rune) bool {
	if len(prefix) > len(s) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}
