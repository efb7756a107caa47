package engram

import (
	"context"
	"testing"
)

func TestExtractEntitiesQuotedAndProperNouns(t *testing.T) {
	ents := ExtractEntities(`Met with Priya Sharma about the "Aurora Launch" timeline.`)
	found := map[string]bool{}
	for _, e := range ents {
		found[e] = true
	}
	if !found["Priya Sharma"] {
		t.Errorf("expected Priya Sharma extracted, got %v", ents)
	}
	if !found["Aurora Launch"] {
		t.Errorf("expected Aurora Launch extracted, got %v", ents)
	}
}

func TestExtractEntitiesDedupesCaseInsensitive(t *testing.T) {
	ents := ExtractEntities(`Priya said hi. Later, Priya left early.`)
	count := 0
	for _, e := range ents {
		if e == "Priya" {
			count++
		}
	}
	if count > 1 {
		t.Errorf("expected Priya deduped, got %d occurrences in %v", count, ents)
	}
}

func TestExtractTopicsKeywordAndSupplied(t *testing.T) {
	topics := ExtractTopics("The deadline for the invoice is Friday.", []string{"finance"})
	has := func(t string) bool {
		for _, x := range topics {
			if x == t {
				return true
			}
		}
		return false
	}
	if !has("deadline") {
		t.Errorf("expected deadline topic, got %v", topics)
	}
	if !has("finance") {
		t.Errorf("expected supplied finance topic retained, got %v", topics)
	}
}

func TestInferTypeDeclarativePromotesSemantic(t *testing.T) {
	if got := InferType("Priya works at Acme and lives in Denver"); got != TypeSemantic {
		t.Errorf("expected semantic, got %s", got)
	}
}

func TestInferTypeProceduralPromotes(t *testing.T) {
	if got := InferType("How to deploy the staging environment: first, run `make deploy`"); got != TypeProcedural {
		t.Errorf("expected procedural, got %s", got)
	}
}

func TestInferTypeDefaultsEpisodic(t *testing.T) {
	if got := InferType("Grabbed coffee with the team this morning"); got != TypeEpisodic {
		t.Errorf("expected episodic default, got %s", got)
	}
}

func TestInferStatusPendingOnCommitment(t *testing.T) {
	if got := InferStatus("I promised to send the report by Friday"); got != StatusPending {
		t.Errorf("expected pending, got %s", got)
	}
}

func TestInferStatusFulfilledOnCompletion(t *testing.T) {
	if got := InferStatus("Finished and delivered the report as promised"); got != StatusFulfilled {
		t.Errorf("expected fulfilled, got %s", got)
	}
}

func TestInferStatusActiveDefault(t *testing.T) {
	if got := InferStatus("The office has a new coffee machine"); got != StatusActive {
		t.Errorf("expected active default, got %s", got)
	}
}

func TestInferSalienceOverrideWins(t *testing.T) {
	e := NewExtractor(nil, 0, nil)
	if got := e.InferSalience("anything", nil, 0.9); got != 0.9 {
		t.Errorf("expected override 0.9, got %f", got)
	}
}

func TestInferSalienceRaisedByCommitment(t *testing.T) {
	e := NewExtractor(nil, 0, nil)
	base := e.InferSalience("just chatting", nil, 0)
	raised := e.InferSalience("I promised to follow up", nil, 0)
	if raised <= base {
		t.Errorf("expected commitment content to raise salience above baseline: base=%f raised=%f", base, raised)
	}
}

func TestInferSalienceClampedToOne(t *testing.T) {
	e := NewExtractor(nil, 0, func() map[string]bool { return map[string]bool{"priya": true} })
	got := e.InferSalience("Priya promised to follow up, Priya works at Acme", []string{"Priya"}, 0)
	if got > 1.0 {
		t.Errorf("expected salience clamped to 1.0, got %f", got)
	}
}

func TestExtractNeverBlocksWrite(t *testing.T) {
	e := NewExtractor(nil, 0, nil)
	m, ok := e.Extract(context.Background(), "Grabbed lunch with Priya", RememberOptions{})
	if !ok {
		t.Error("extraction without an LLM provider should never mark needs-review")
	}
	if m.Content == "" {
		t.Error("expected content preserved")
	}
}

type stubLLM struct {
	response string
	err      error
}

func (s stubLLM) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func TestExtractUsesLLMFallbackOnAmbiguousContent(t *testing.T) {
	e := NewExtractor(stubLLM{response: "semantic"}, 0, nil)
	m, ok := e.Extract(context.Background(), "The quarterly numbers arrived ahead of schedule", RememberOptions{})
	if !ok {
		t.Fatal("expected successful extraction")
	}
	if m.Type != TypeSemantic {
		t.Errorf("expected LLM-resolved semantic type, got %s", m.Type)
	}
}

func TestExtractMarksNeedsReviewOnLLMFailure(t *testing.T) {
	e := NewExtractor(stubLLM{err: ErrTimedOut}, 0, nil)
	m, ok := e.Extract(context.Background(), "The quarterly numbers arrived ahead of schedule", RememberOptions{})
	if ok {
		t.Error("expected extraction to report needs-review on LLM failure")
	}
	if !m.NeedsReview {
		t.Error("expected NeedsReview set")
	}
}

func TestExtractRespectsCallerOverrides(t *testing.T) {
	e := NewExtractor(nil, 0, nil)
	m, _ := e.Extract(context.Background(), "some note", RememberOptions{
		Type:     TypeProcedural,
		Status:   StatusFulfilled,
		Entities: []string{"Custom Entity"},
		Topics:   []string{"custom-topic"},
	})
	if m.Type != TypeProcedural {
		t.Errorf("expected caller type override honored, got %s", m.Type)
	}
	if m.Status != StatusFulfilled {
		t.Errorf("expected caller status override honored, got %s", m.Status)
	}
	foundEntity, foundTopic := false, false
	for _, e := range m.Entities {
		if e == "Custom Entity" {
			foundEntity = true
		}
	}
	for _, tp := range m.Topics {
		if tp == "custom-topic" {
			foundTopic = true
		}
	}
	if !foundEntity {
		t.Errorf("expected supplied entity present, got %v", m.Entities)
	}
	if !foundTopic {
		t.Errorf("expected supplied topic present, got %v", m.Topics)
	}
}
