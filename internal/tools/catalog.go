package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/pagemate/pagemate/internal/memory"
)

// FactStore is the slice of the memory subsystem the server tools need.
type FactStore interface {
	Remember(ctx context.Context, userID, key, value string) error
	Recall(ctx context.Context, userID, query string) ([]memory.Fact, error)
}

// Argument shapes for the catalog. Schemas are derived from these structs,
// so both deployments agree on the wire shape by construction.
type (
	// NavigateArgs selects a site page.
	NavigateArgs struct {
		Page string `json:"page" jsonschema:"target page: home, projekte, blog, ueber-mich or kontakt"`
	}

	// SetThemeArgs selects the color theme.
	SetThemeArgs struct {
		Theme string `json:"theme" jsonschema:"color theme: light or dark"`
	}

	// SearchBlogArgs carries a blog search query.
	SearchBlogArgs struct {
		Query string `json:"query" jsonschema:"search query for blog posts"`
	}

	// ScrollToSectionArgs names a section anchor on the current page.
	ScrollToSectionArgs struct {
		Section string `json:"section" jsonschema:"section anchor to scroll to"`
	}

	// RecommendArgs optionally narrows recommendations to a topic.
	RecommendArgs struct {
		Topic string `json:"topic,omitempty" jsonschema:"optional topic to recommend content for"`
	}

	// RememberArgs stores one fact about the visitor.
	RememberArgs struct {
		Key   string `json:"key" jsonschema:"short identifier for the fact, e.g. name or favorite_topic"`
		Value string `json:"value" jsonschema:"the fact to remember"`
	}

	// RecallArgs queries stored visitor facts.
	RecallArgs struct {
		Query string `json:"query" jsonschema:"what to look up about the visitor"`
	}

	// NoArgs is the schema for tools without parameters.
	NoArgs struct{}
)

// Catalog builds the full tool catalog. Server tools close over the fact
// store; everything else is executed by the page-side runtime.
func Catalog(facts FactStore) ([]Definition, error) {
	schemas := map[string]*jsonschema.Schema{}
	for name, build := range map[string]func() (*jsonschema.Schema, error){
		"navigate":        func() (*jsonschema.Schema, error) { return jsonschema.For[NavigateArgs](nil) },
		"setTheme":        func() (*jsonschema.Schema, error) { return jsonschema.For[SetThemeArgs](nil) },
		"searchBlog":      func() (*jsonschema.Schema, error) { return jsonschema.For[SearchBlogArgs](nil) },
		"toggleMenu":      func() (*jsonschema.Schema, error) { return jsonschema.For[NoArgs](nil) },
		"scrollToSection": func() (*jsonschema.Schema, error) { return jsonschema.For[ScrollToSectionArgs](nil) },
		"summarizePage":   func() (*jsonschema.Schema, error) { return jsonschema.For[NoArgs](nil) },
		"recommend":       func() (*jsonschema.Schema, error) { return jsonschema.For[RecommendArgs](nil) },
		"rememberUser":    func() (*jsonschema.Schema, error) { return jsonschema.For[RememberArgs](nil) },
		"recallMemory":    func() (*jsonschema.Schema, error) { return jsonschema.For[RecallArgs](nil) },
	} {
		schema, err := build()
		if err != nil {
			return nil, fmt.Errorf("schema for %q: %w", name, err)
		}
		schemas[name] = schema
	}

	return []Definition{
		{
			Name:        "navigate",
			Description: "Navigate the visitor to a page of the site. Valid pages: home, projekte, blog, ueber-mich, kontakt.",
			Params:      schemas["navigate"],
			Client:      true,
		},
		{
			Name:        "setTheme",
			Description: "Switch the site color theme. Valid themes: light, dark.",
			Params:      schemas["setTheme"],
			Client:      true,
		},
		{
			Name:        "searchBlog",
			Description: "Open the blog search with the given query and show matching posts.",
			Params:      schemas["searchBlog"],
			Client:      true,
		},
		{
			Name:        "toggleMenu",
			Description: "Open or close the site navigation menu.",
			Params:      schemas["toggleMenu"],
			Client:      true,
		},
		{
			Name:        "scrollToSection",
			Description: "Scroll the current page to a named section.",
			Params:      schemas["scrollToSection"],
			Client:      true,
		},
		{
			Name:        "summarizePage",
			Description: "Summarize the content of the page the visitor is currently viewing.",
			Params:      schemas["summarizePage"],
			Client:      true,
		},
		{
			Name:        "recommend",
			Description: "Recommend site content to the visitor, optionally narrowed to a topic.",
			Params:      schemas["recommend"],
			Client:      true,
		},
		{
			Name:        "rememberUser",
			Description: "Remember a fact about the visitor for future conversations, e.g. their name or interests.",
			Params:      schemas["rememberUser"],
			Server:      rememberHandler(facts),
		},
		{
			Name:        "recallMemory",
			Description: "Look up previously remembered facts about the visitor.",
			Params:      schemas["recallMemory"],
			Server:      recallHandler(facts),
		},
	}, nil
}

func rememberHandler(facts FactStore) ServerHandler {
	return func(ctx context.Context, userID string, args map[string]any) Result {
		key := StringArg(args, "key")
		value := StringArg(args, "value")
		if key == "" || value == "" {
			return Result{Name: "rememberUser", Success: false, Message: "both key and value are required"}
		}
		if err := facts.Remember(ctx, userID, key, value); err != nil {
			return Result{Name: "rememberUser", Success: false, Message: "could not store the fact: " + err.Error()}
		}
		return Result{Name: "rememberUser", Success: true, Message: fmt.Sprintf("remembered %s = %s", key, value)}
	}
}

func recallHandler(facts FactStore) ServerHandler {
	return func(ctx context.Context, userID string, args map[string]any) Result {
		query := StringArg(args, "query")
		if query == "" {
			return Result{Name: "recallMemory", Success: false, Message: "query is required"}
		}
		recalled, err := facts.Recall(ctx, userID, query)
		if err != nil {
			return Result{Name: "recallMemory", Success: false, Message: "could not recall facts: " + err.Error()}
		}
		if len(recalled) == 0 {
			return Result{Name: "recallMemory", Success: true, Message: "no stored facts match the query"}
		}
		lines := make([]string, len(recalled))
		for i, f := range recalled {
			lines[i] = f.Key + ": " + f.Value
		}
		return Result{Name: "recallMemory", Success: true, Message: strings.Join(lines, "\n")}
	}
}
