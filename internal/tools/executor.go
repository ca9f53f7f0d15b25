package tools

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pagemate/pagemate/internal/log"
)

// Effects is the page-side surface the client executor drives. The embedding
// application implements it; each method performs one direct side effect and
// the model is never told about the outcome within the same turn.
type Effects interface {
	Navigate(page string) error
	SetTheme(theme string) error
	SearchBlog(query string) error
	ToggleMenu() error
	ScrollToSection(section string) error
	SummarizePage() (string, error)
	Recommend(topic string) (string, error)
}

// ValidPages are the navigable site pages.
var ValidPages = []string{"home", "projekte", "blog", "ueber-mich", "kontakt"}

// ValidThemes are the selectable color themes.
var ValidThemes = []string{"light", "dark"}

// Executor dispatches client-tool calls to the Effects implementation.
//
// Execute never panics: every internal error, including a panicking effect
// handler, is converted to a failed Result with a display-ready message.
type Executor struct {
	effects Effects
	logger  log.Logger
}

// NewExecutor creates a client-tool executor.
func NewExecutor(effects Effects, logger log.Logger) *Executor {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Executor{effects: effects, logger: logger}
}

// Execute runs one client-tool call and returns a human-readable status,
// independent of whether the model is ever told about it.
func (e *Executor) Execute(call Call) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panicked", "tool", call.Name, "panic", r)
			result = Result{Name: call.Name, Success: false, Message: "Die Aktion konnte nicht ausgeführt werden."}
		}
	}()

	if e.effects == nil {
		return Result{Name: call.Name, Success: false, Message: "Keine Seiten-Aktionen verfügbar."}
	}

	switch call.Name {
	case "navigate":
		page := strings.ToLower(StringArg(call.Arguments, "page"))
		if !slices.Contains(ValidPages, page) {
			return Result{Name: call.Name, Success: false, Message: fmt.Sprintf("Unbekannte Seite: %q", page)}
		}
		if err := e.effects.Navigate(page); err != nil {
			return e.failed(call.Name, err)
		}
		return Result{Name: call.Name, Success: true, Message: "Ich bringe dich zur Seite " + page + "."}

	case "setTheme":
		theme := strings.ToLower(StringArg(call.Arguments, "theme"))
		if !slices.Contains(ValidThemes, theme) {
			return Result{Name: call.Name, Success: false, Message: fmt.Sprintf("Unbekanntes Theme: %q", theme)}
		}
		if err := e.effects.SetTheme(theme); err != nil {
			return e.failed(call.Name, err)
		}
		return Result{Name: call.Name, Success: true, Message: "Theme auf " + theme + " umgestellt."}

	case "searchBlog":
		query := StringArg(call.Arguments, "query")
		if query == "" {
			return Result{Name: call.Name, Success: false, Message: "Wonach soll ich im Blog suchen?"}
		}
		if err := e.effects.SearchBlog(query); err != nil {
			return e.failed(call.Name, err)
		}
		return Result{Name: call.Name, Success: true, Message: "Blogsuche nach »" + query + "« geöffnet.", RequiresUI: true}

	case "toggleMenu":
		if err := e.effects.ToggleMenu(); err != nil {
			return e.failed(call.Name, err)
		}
		return Result{Name: call.Name, Success: true, Message: "Menü umgeschaltet.", RequiresUI: true}

	case "scrollToSection":
		section := StringArg(call.Arguments, "section")
		if section == "" {
			return Result{Name: call.Name, Success: false, Message: "Zu welchem Abschnitt soll ich scrollen?"}
		}
		if err := e.effects.ScrollToSection(section); err != nil {
			return e.failed(call.Name, err)
		}
		return Result{Name: call.Name, Success: true, Message: "Zum Abschnitt »" + section + "« gescrollt."}

	case "summarizePage":
		summary, err := e.effects.SummarizePage()
		if err != nil {
			return e.failed(call.Name, err)
		}
		return Result{Name: call.Name, Success: true, Message: summary}

	case "recommend":
		recommendation, err := e.effects.Recommend(StringArg(call.Arguments, "topic"))
		if err != nil {
			return e.failed(call.Name, err)
		}
		return Result{Name: call.Name, Success: true, Message: recommendation}

	default:
		return Result{Name: call.Name, Success: false, Message: fmt.Sprintf("Unbekannte Aktion: %q", call.Name)}
	}
}

func (e *Executor) failed(name string, err error) Result {
	e.logger.Warn("tool execution failed", "tool", name, "error", err)
	return Result{Name: name, Success: false, Message: "Die Aktion ist fehlgeschlagen: " + err.Error()}
}
