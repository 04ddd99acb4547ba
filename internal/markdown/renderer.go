package markdown

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// HTMLRenderer renders block text to HTML with goldmark. It keeps the latest HTML of every block it has
// seen and reports typing completion as soon as the final, non-streaming text of a block is rendered.
type HTMLRenderer struct {
	md goldmark.Markdown

	mu   sync.Mutex
	html map[string]string

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewHTMLRenderer creates an HTMLRenderer with GitHub flavored markdown and code highlighting in the given
// chroma style.
func NewHTMLRenderer(style string, logger *slog.Logger) *HTMLRenderer {
	return &HTMLRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle(style)),
			),
		),
		html:   make(map[string]string),
		logger: logger.With(slog.String("module", "markdown")),
	}
}

// Render converts text to HTML. Streaming text is rendered as a preview; when streaming is false the text
// is final and done is called once it is rendered.
func (r *HTMLRenderer) Render(blockID, text string, streaming bool, done func()) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		r.logger.Error("Failed to render markdown",
			slog.String("blockID", blockID),
			slog.String(errLoggerKey, err.Error()))
		buf.Reset()
		buf.WriteString(fmt.Sprintf("<pre>%s</pre>", text))
	}

	r.mu.Lock()
	r.html[blockID] = buf.String()
	r.mu.Unlock()

	if !streaming && done != nil {
		done()
	}
}

// HTML returns the last HTML rendered for the block.
func (r *HTMLRenderer) HTML(blockID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.html[blockID]
}

// Renderer is the black-box contract the engine consumes: it receives text with a streaming flag and
// reports when the typing animation of final text completes.
type Renderer interface {
	Render(blockID, text string, streaming bool, done func())
}

// Typewriter delays the completion signal of the wrapped renderer to mimic a typing animation that runs
// at PerRune per character of final text.
type Typewriter struct {
	Next    Renderer
	PerRune time.Duration
}

// Render forwards to the wrapped renderer and reports completion after the simulated animation.
func (t Typewriter) Render(blockID, text string, streaming bool, done func()) {
	if done == nil {
		t.Next.Render(blockID, text, streaming, nil)
		return
	}
	t.Next.Render(blockID, text, streaming, func() {
		d := time.Duration(len([]rune(text))) * t.PerRune
		if d <= 0 {
			done()
			return
		}
		time.AfterFunc(d, done)
	})
}
