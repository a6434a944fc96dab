package main

import (
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	screenshotCellWidth  = 8
	screenshotCellHeight = 16
	screenshotFontSize   = 14
	screenshotSettleWait = 200 * time.Millisecond
)

// ScreenshotHandler implements C8: on-demand replay of a session's buffer
// through a headless emulator to produce an SVG snapshot of its screen.
//
// Grounded on ehrlich-b-wingthing/internal/egg/vterm.go's Snapshot(), which
// builds a redraw from emu.Render() the same way; generalized from
// "ANSI text for xterm.js to consume" to "cell grid rendered as SVG" since
// no browser-side terminal exists here (out of scope, §1). No SVG or
// ANSI-parsing library appears anywhere in the retrieval pack, so the SGR
// scan and markup generation use the standard library (see DESIGN.md).
type ScreenshotHandler struct {
	manager *SessionManager
	cfg     *Config
	logger  *slog.Logger
}

func NewScreenshotHandler(manager *SessionManager, cfg *Config, logger *slog.Logger) *ScreenshotHandler {
	return &ScreenshotHandler{manager: manager, cfg: cfg, logger: logger}
}

func (h *ScreenshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	routeKey := RouteKey(r.URL.Query().Get("route_key"))
	if routeKey == "" {
		http.NotFound(w, r)
		return
	}

	width := h.cfg.DefaultCols
	if v := r.URL.Query().Get("width"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			width = n
		}
	}
	height := h.cfg.DefaultRows

	sess, ok := h.manager.GetSessionByRouteKey(routeKey)
	if !ok {
		entry, found := h.manager.AppEntryForSlug(string(routeKey))
		if !found {
			http.NotFound(w, r)
			return
		}
		created, err := h.manager.NewSession(routeKey, NewSessionID(), entry.Slug, h.cfg.DefaultCols, h.cfg.DefaultRows, discardConnector{})
		if err != nil {
			h.logger.Warn("screenshot session create failed", "route_key", routeKey, "error", err)
			http.NotFound(w, r)
			return
		}
		time.Sleep(screenshotSettleWait)
		sess = created
	}

	emu := NewEmulator(width, height)
	defer emu.Close()
	emu.Write(sess.ReplayBuffer())

	grid := parseScreen(emu.Render(), width, height)
	svg := renderSVG(grid, width, height)

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write([]byte(svg))
}

// discardConnector satisfies Connector for sessions created solely to be
// screenshotted, with no browser socket attached yet.
type discardConnector struct{}

func (discardConnector) OnData([]byte)          {}
func (discardConnector) OnMeta(map[string]any)  {}
func (discardConnector) OnBinaryMessage([]byte) {}
func (discardConnector) OnClose()               {}

type cellStyle struct {
	fg, bg string
	bold   bool
}

type styledCell struct {
	ch    rune
	style cellStyle
}

var ansiPalette = [16]string{
	"#000000", "#cc0000", "#4e9a06", "#c4a000",
	"#3465a4", "#75507b", "#06989a", "#d3d7cf",
	"#555753", "#ef2929", "#8ae234", "#fce94f",
	"#729fcf", "#ad7fa8", "#34e2e2", "#eeeeec",
}

// parseScreen walks a fully-rendered screen (as produced by Emulator.Render,
// a flat grid dump with CSI SGR sequences and \r\n row separators) into a
// cols x rows grid of styled cells. Only SGR sequences are interpreted;
// other CSI sequences are skipped without side effects, since Render output
// carries no cursor-relative movement.
func parseScreen(rendered string, cols, rows int) [][]styledCell {
	grid := make([][]styledCell, rows)
	for i := range grid {
		grid[i] = make([]styledCell, cols)
		for c := range grid[i] {
			grid[i][c] = styledCell{ch: ' '}
		}
	}

	row, col := 0, 0
	style := cellStyle{}
	runes := []rune(rendered)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '\x1b':
			if i+1 < len(runes) && runes[i+1] == '[' {
				j := i + 2
				for j < len(runes) && (runes[j] < 0x40 || runes[j] > 0x7e) {
					j++
				}
				if j < len(runes) {
					if runes[j] == 'm' {
						style = applySGR(style, string(runes[i+2:j]))
					}
					i = j
				} else {
					i = len(runes) - 1
				}
			}
		case '\r':
			col = 0
		case '\n':
			row++
			col = 0
		default:
			if row < rows && col < cols {
				grid[row][col] = styledCell{ch: runes[i], style: style}
			}
			col++
		}
	}
	return grid
}

// applySGR updates style according to a semicolon-separated SGR parameter
// list (the text between "\x1b[" and the terminating "m").
func applySGR(style cellStyle, params string) cellStyle {
	if params == "" {
		return cellStyle{}
	}
	for _, p := range strings.Split(params, ";") {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		switch {
		case n == 0:
			style = cellStyle{}
		case n == 1:
			style.bold = true
		case n == 22:
			style.bold = false
		case n == 39:
			style.fg = ""
		case n == 49:
			style.bg = ""
		case n >= 30 && n <= 37:
			style.fg = ansiPalette[n-30]
		case n >= 90 && n <= 97:
			style.fg = ansiPalette[n-90+8]
		case n >= 40 && n <= 47:
			style.bg = ansiPalette[n-40]
		case n >= 100 && n <= 107:
			style.bg = ansiPalette[n-100+8]
		}
	}
	return style
}

// renderSVG draws a styled cell grid as fixed-width monospace text with
// per-run background rectangles, grouping consecutive cells that share a
// style into single <rect>/<text> elements to keep output compact.
func renderSVG(grid [][]styledCell, cols, rows int) string {
	width := cols * screenshotCellWidth
	height := rows * screenshotCellHeight

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" font-family="monospace" font-size="%d">`,
		width, height, screenshotFontSize)
	b.WriteString(`<rect width="100%" height="100%" fill="#1e1e1e"/>`)

	for r, line := range grid {
		for col := 0; col < len(line); {
			bg := line[col].style.bg
			if bg == "" {
				col++
				continue
			}
			start := col
			for col < len(line) && line[col].style.bg == bg {
				col++
			}
			fmt.Fprintf(&b, `<rect x="%d" y="%d" width="%d" height="%d" fill="%s"/>`,
				start*screenshotCellWidth, r*screenshotCellHeight,
				(col-start)*screenshotCellWidth, screenshotCellHeight, bg)
		}

		for col := 0; col < len(line); {
			cell := line[col]
			if cell.ch == ' ' && cell.style.fg == "" {
				col++
				continue
			}
			start := col
			style := cell.style
			var text strings.Builder
			for col < len(line) && line[col].style == style {
				text.WriteRune(line[col].ch)
				col++
			}
			fg := style.fg
			if fg == "" {
				fg = "#d4d4d4"
			}
			weight := ""
			if style.bold {
				weight = ` font-weight="bold"`
			}
			fmt.Fprintf(&b, `<text x="%d" y="%d" fill="%s"%s xml:space="preserve">%s</text>`,
				start*screenshotCellWidth, r*screenshotCellHeight+screenshotCellHeight-4,
				fg, weight, html.EscapeString(text.String()))
		}
	}

	b.WriteString(`</svg>`)
	return b.String()
}
