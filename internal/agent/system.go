package agent

import (
	"fmt"
	"strings"

	"github.com/pagemate/pagemate/internal/memory"
	"github.com/pagemate/pagemate/internal/retrieval"
)

// persona is the static behavior block for the site assistant. Tool
// usage rules live here so the model prefers actions over describing
// them.
const persona = `Du bist der Assistent dieser Website. Du hilfst Besuchern, Inhalte zu finden, Seiten zu wechseln und Fragen zu den Projekten und Blogartikeln zu beantworten.

Regeln:
- Antworte kurz und freundlich auf Deutsch, es sei denn, der Nutzer schreibt in einer anderen Sprache.
- Wenn der Nutzer eine Aktion möchte (Seite wechseln, Theme ändern, Blog durchsuchen), rufe das passende Werkzeug auf, statt die Aktion nur zu beschreiben.
- Erfinde keine Inhalte. Wenn du etwas nicht weißt, sage es.
- Nutze rememberUser, wenn der Nutzer dir etwas über sich erzählt, das später nützlich sein könnte.`

// buildSystemPrompt assembles the system block: persona, known facts,
// retrieval excerpts, and an optional image summary.
func buildSystemPrompt(facts []memory.Fact, excerpts []retrieval.Excerpt, imageDescription string) string {
	var b strings.Builder
	b.WriteString(persona)

	if len(facts) > 0 {
		b.WriteString("\n\nBekannte Fakten über den Nutzer:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
	}

	if len(excerpts) > 0 {
		b.WriteString("\nPassende Inhalte der Website:\n")
		for _, e := range excerpts {
			fmt.Fprintf(&b, "---\n%s\n", strings.TrimSpace(e.Content))
		}
	}

	if imageDescription != "" {
		b.WriteString("\nDer Nutzer hat ein Bild angehängt. Beschreibung des Bildes:\n")
		b.WriteString(imageDescription)
	}

	return b.String()
}
