// Package prompts holds the prompt templates for every model-facing stage.
// Planner, section and overview prompts come in one variant per repository
// classification; unknown classifications fall back to the generic variant.
package prompts

import (
	"fmt"
	"strings"
)

// Classification labels.
const (
	ClassFramework   = "framework"
	ClassLibrary     = "library"
	ClassApplication = "application"
	ClassCLITool     = "cli_tool"
	ClassDevTool     = "development_tool"
	ClassDocs        = "documentation"
	ClassDevOps      = "devops_configuration"
	ClassUnknown     = "unknown"
)

// Labels lists every valid classification.
var Labels = []string{
	ClassFramework, ClassLibrary, ClassApplication, ClassCLITool,
	ClassDevTool, ClassDocs, ClassDevOps, ClassUnknown,
}

// IsValidLabel reports whether s is a known classification.
func IsValidLabel(s string) bool {
	for _, l := range Labels {
		if s == l {
			return true
		}
	}
	return false
}

// classificationAngle is the per-label emphasis injected into planner,
// section and overview prompts.
var classificationAngle = map[string]string{
	ClassFramework:   "Focus on extension points, lifecycle hooks, and how applications plug into the framework.",
	ClassLibrary:     "Focus on the public API surface, core abstractions, and integration examples.",
	ClassApplication: "Focus on features, architecture, deployment, and configuration.",
	ClassCLITool:     "Focus on installation, commands, flags, and typical workflows.",
	ClassDevTool:     "Focus on setup, editor or toolchain integration, and day-to-day usage.",
	ClassDocs:        "Focus on the structure of the content and how readers navigate it.",
	ClassDevOps:      "Focus on the deployment topology, configuration surfaces, and operational runbooks.",
	ClassUnknown:     "Cover purpose, structure, usage, and internals in a generally useful order.",
}

func angle(classification string) string {
	if a, ok := classificationAngle[classification]; ok {
		return a
	}
	return classificationAngle[ClassUnknown]
}

// Classifier builds the single-shot classification prompt. The reply must
// contain exactly one label inside <classify> tags.
func Classifier(tree, readme string) (system, user string) {
	system = `You classify software repositories. Reply with exactly one of:
framework, library, application, cli_tool, development_tool, documentation, devops_configuration, unknown.
Wrap the label in <classify></classify> tags. Do not add commentary.`
	user = fmt.Sprintf("Directory tree:\n%s\n\nREADME:\n%s", tree, truncate(readme, 8000))
	return system, user
}

// Planner builds the catalog-planning prompt. userOverride, when set, is the
// repository owner's guidance and is appended after the standard instructions.
func Planner(classification, organization, name, tree, readme, userOverride string) (system, user string) {
	system = fmt.Sprintf(`You are a documentation architect. Plan a documentation catalog for the repository as a forest of nodes.
%s
Return the plan inside <documentation_structure></documentation_structure> tags as a JSON array. Each node:
{"title": string, "slug": string, "prompt": string, "children": [...]}
Rules: slugs are lowercase-kebab-case and unique among siblings; at most 5 levels deep; each leaf's "prompt" tells a technical writer what the section must cover; order nodes from introductory to advanced.`, angle(classification))
	user = fmt.Sprintf("Repository: %s/%s (classification: %s)\n\nDirectory tree:\n%s\n\nREADME:\n%s",
		organization, name, classification, tree, truncate(readme, 8000))
	if userOverride != "" {
		user += "\n\nAdditional guidance from the repository owner:\n" + userOverride
	}
	return system, user
}

// PlannerRetry appends the rejected output so the model can correct itself.
func PlannerRetry(prior, reason string) string {
	return fmt.Sprintf("Your previous reply could not be used (%s). Previous reply:\n%s\n\nReturn only the corrected <documentation_structure> block.", reason, truncate(prior, 12000))
}

// Section builds the generation prompt for one catalog leaf. The model has
// the tool surface available and must wrap the final markdown in <docs> tags.
func Section(classification, title, guidance, tree, readme string) (system, user string) {
	system = fmt.Sprintf(`You write one section of a repository's documentation.
%s
Use the available tools to read the actual source before writing; cite real files and real behavior only.
Wrap the final markdown in <docs></docs> tags.`, angle(classification))
	user = fmt.Sprintf("Section to write: %s\n\nGuidance: %s\n\nDirectory tree:\n%s\n\nProject README:\n%s",
		title, guidance, tree, truncate(readme, 4000))
	return system, user
}

// Overview builds the repository-overview prompt.
func Overview(classification, organization, name, tree, readme string) (system, user string) {
	system = fmt.Sprintf(`You write a concise project overview in markdown: what the project is, who it is for, how it is organised, and how to get started.
%s
Wrap the overview in <blog></blog> tags.`, angle(classification))
	user = fmt.Sprintf("Repository: %s/%s\n\nDirectory tree:\n%s\n\nREADME:\n%s",
		organization, name, tree, truncate(readme, 8000))
	return system, user
}

// Minimap builds the knowledge-graph prompt over the finished catalog.
func Minimap(name string, catalogTitles []string) (system, user string) {
	system = `You design a navigation mini-map for a documentation site.
Return JSON only: {"title": string, "url": string, "children": [...]} where children recurse with the same shape. Use the catalog slugs as urls.`
	user = fmt.Sprintf("Project: %s\nCatalog sections:\n%s", name, strings.Join(catalogTitles, "\n"))
	return system, user
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n..."
}
