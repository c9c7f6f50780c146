package loader

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Progress reports ingest progress in files.
type Progress interface {
	Start(total int)
	Add(n int)
	Finish()
}

// NewProgress returns a bar on w when enabled, or a no-op reporter.
func NewProgress(enabled bool, w io.Writer, desc string) Progress {
	if !enabled {
		return nopProgress{}
	}
	return &barProgress{w: w, desc: desc}
}

// ProgressEnabled reports whether stderr is a terminal.
func ProgressEnabled() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

type barProgress struct {
	w    io.Writer
	desc string
	bar  *progressbar.ProgressBar
}

func (p *barProgress) Start(total int) {
	if total <= 0 {
		return
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription(p.desc),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (p *barProgress) Add(n int) {
	if p.bar == nil {
		return
	}
	_ = p.bar.Add(n)
}

func (p *barProgress) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}

type nopProgress struct{}

func (nopProgress) Start(int) {}
func (nopProgress) Add(int)   {}
func (nopProgress) Finish()   {}
