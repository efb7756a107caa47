package engram

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Extractor turns raw content into a candidate Memory: entities, topics,
// type, salience, and status hints (§4.2). Rule-based first; an injected
// LLMProvider may disambiguate when the rules produce a low-confidence
// result, bounded by a per-call timeout.
type Extractor struct {
	llm        LLMProvider
	llmTimeout time.Duration
	knownPeople func() map[string]bool
}

// NewExtractor constructs an Extractor. llm may be nil to disable the LLM
// fallback entirely. knownPeople, if set, lets the extractor check whether
// a declarative statement concerns a person already known to the vault
// (§4.2 salience rule b) — callers normally wire this to the entity table.
func NewExtractor(llm LLMProvider, llmTimeout time.Duration, knownPeople func() map[string]bool) *Extractor {
	if llmTimeout <= 0 {
		llmTimeout = 2 * time.Second
	}
	return &Extractor{llm: llm, llmTimeout: llmTimeout, knownPeople: knownPeople}
}

var (
	quotedRe     = regexp.MustCompile(`"([^"]{2,60})"`)
	properNounRe = regexp.MustCompile(`(?:^|[.!?]\s+|\s)([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,3})`)
)

var commonPhrases = map[string]bool{
	"the": true, "this": true, "that": true, "what": true, "when": true,
	"where": true, "how": true, "why": true, "i am": true, "you are": true,
	"we are": true, "they are": true,
}

// ExtractEntities pulls proper-noun runs and quoted identifiers out of raw
// content (§4.2 entities): trim, fold case for equality, preserve original
// case for display.
func ExtractEntities(content string) []string {
	seen := map[string]bool{}
	var out []string

	add := func(text string) {
		text = strings.TrimSpace(text)
		lower := strings.ToLower(text)
		if text == "" || len(text) < 2 || len(text) > 60 || seen[lower] || commonPhrases[lower] {
			return
		}
		seen[lower] = true
		out = append(out, text)
	}

	for _, m := range quotedRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, m := range properNounRe.FindAllStringSubmatch(content, 10) {
		add(m[1])
	}
	return out
}

var topicKeywords = map[string][]string{
	"deadline":  {"deadline", "due by", "due on", "ship by"},
	"decision":  {"decided", "decision", "we will", "going with"},
	"meeting":   {"meeting", "sync", "stand-up", "standup", "call with"},
	"finance":   {"budget", "invoice", "payment", "cost", "expense"},
	"health":    {"doctor", "appointment", "prescription", "symptom"},
	"travel":    {"flight", "itinerary", "hotel", "booked", "trip"},
	"incident":  {"outage", "incident", "postmortem", "rollback"},
}

// ExtractTopics derives keyword-matched topics and unions them with any
// caller-supplied topics (§4.2 topics).
func ExtractTopics(content string, supplied []string) []string {
	lower := strings.ToLower(content)
	seen := map[string]bool{}
	var out []string
	add := func(t string) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	for topic, keywords := range topicKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				add(topic)
				break
			}
		}
	}
	for _, t := range supplied {
		add(strings.TrimSpace(t))
	}
	return out
}

var declarativeSignals = []string{
	" is a ", " is an ", " is the ", " are a ", " works at ", " works as ",
	" was a ", " were a ", " knows about ", " specializes in ", " lives in ",
	" reports to ", " owns ", " manages ",
}

var proceduralSignals = []string{
	"how to", "step 1", "first, ", "then, ", "run `", "execute ", "to deploy",
	"to set up", "to configure", "recipe:", "process:", "procedure:",
}

// InferType promotes episodic (the default) to semantic for declarative
// templates or procedural for imperative/recipe-like content (§4.2 type).
func InferType(content string) Type {
	lower := " " + strings.ToLower(content) + " "
	for _, s := range proceduralSignals {
		if strings.Contains(lower, s) {
			return TypeProcedural
		}
	}
	for _, s := range declarativeSignals {
		if strings.Contains(lower, s) {
			return TypeSemantic
		}
	}
	return TypeEpisodic
}

var commitmentMarkers = []string{"promised", "committed", "decision", "will do", "i'll ", "we'll ", "plan to"}
var fulfillmentMarkers = []string{"done", "completed", "finished", "delivered", "fulfilled", "resolved"}

// InferStatus implements §4.2's status rule: pending on a commitment marker
// without a fulfillment marker, fulfilled on an explicit completion marker,
// else active.
func InferStatus(content string) Status {
	lower := strings.ToLower(content)
	hasCommitment := containsAny(lower, commitmentMarkers)
	hasFulfillment := containsAny(lower, fulfillmentMarkers)

	switch {
	case hasFulfillment:
		return StatusFulfilled
	case hasCommitment:
		return StatusPending
	default:
		return StatusActive
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// InferSalience implements §4.2's salience rule: baseline 0.5, raised for
// commitment markers and declarative statements about known people, clamped
// to [0,1]. override, if positive, is the caller-supplied value and wins
// outright.
func (e *Extractor) InferSalience(content string, entities []string, override float64) float64 {
	if override > 0 {
		return clamp01(override)
	}

	salience := 0.5
	lower := strings.ToLower(content)
	if containsAny(lower, commitmentMarkers) {
		salience += 0.2
	}
	if e.knownPeople != nil && InferType(content) == TypeSemantic {
		known := e.knownPeople()
		for _, ent := range entities {
			if known[strings.ToLower(ent)] {
				salience += 0.15
				break
			}
		}
	}
	return clamp01(salience)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Extract produces a candidate Memory from raw content and caller-supplied
// overrides (§4.2). It never returns an error that should block the write:
// a failed LLM disambiguation degrades silently to the rule-based result,
// and the caller is expected to mark needsReview when confidence is low.
func (e *Extractor) Extract(ctx context.Context, content string, opts RememberOptions) (Memory, bool) {
	entities := ExtractEntities(content)
	entities = append(entities, opts.Entities...)
	entities = dedupStrings(entities)

	topics := ExtractTopics(content, opts.Topics)

	typ := opts.Type
	needsReview := false
	if typ == "" {
		typ = InferType(content)
		if e.llm != nil && e.ambiguous(content) {
			if resolved, ok := e.disambiguateType(ctx, content); ok {
				typ = resolved
			} else {
				needsReview = true
			}
		}
	}

	status := opts.Status
	if status == "" {
		status = InferStatus(content)
	}

	salience := e.InferSalience(content, entities, opts.Salience)

	source := opts.Source
	if source.Kind == "" {
		source.Kind = SourceConversation
	}

	m := Memory{
		Content:     content,
		Type:        typ,
		Status:      status,
		Salience:    salience,
		Entities:    entities,
		Topics:      topics,
		Source:      source,
		NeedsReview: needsReview,
	}
	return m, !needsReview
}

// ambiguous flags content where the rule-based type inference has no
// signal either way — the only case worth spending an LLM call on.
func (e *Extractor) ambiguous(content string) bool {
	lower := " " + strings.ToLower(content) + " "
	for _, s := range proceduralSignals {
		if strings.Contains(lower, s) {
			return false
		}
	}
	for _, s := range declarativeSignals {
		if strings.Contains(lower, s) {
			return false
		}
	}
	return len(strings.Fields(content)) > 3
}

func (e *Extractor) disambiguateType(ctx context.Context, content string) (Type, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.llmTimeout)
	defer cancel()

	prompt := `Classify this memory into exactly one type. Reply with ONLY the type name.
Types: episodic (a specific event or experience), semantic (a durable fact, preference, or relationship),
procedural (a skill, recipe, or how-to).

Memory: "` + content + `"`

	out, err := e.llm.Complete(ctx, prompt, CompletionOptions{MaxTokens: 8, TimeoutMs: int(e.llmTimeout.Milliseconds())})
	if err != nil {
		return "", false
	}
	lower := strings.ToLower(strings.TrimSpace(out))
	switch {
	case strings.Contains(lower, "semantic"):
		return TypeSemantic, true
	case strings.Contains(lower, "procedural"):
		return TypeProcedural, true
	case strings.Contains(lower, "episodic"):
		return TypeEpisodic, true
	default:
		return "", false
	}
}
