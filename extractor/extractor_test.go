package extractor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rosset/ragserve/llm"
)

// stubLLM answers Chat calls from a reply function and counts invocations.
type stubLLM struct {
	mu    sync.Mutex
	calls int
	reply func(prompt string) (string, error)
}

func (s *stubLLM) Chat(ctx context.Context, model string, messages []llm.Message, opts llm.Options) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.reply(messages[len(messages)-1].Content)
}

func (s *stubLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, opts llm.Options) (<-chan llm.Fragment, error) {
	return nil, errors.New("not supported")
}

func (s *stubLLM) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }
func (s *stubLLM) Load(ctx context.Context, model string) error        { return nil }
func (s *stubLLM) Unload(ctx context.Context, model string) error      { return nil }

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fixedReply(resp string) func(string) (string, error) {
	return func(string) (string, error) { return resp, nil }
}

const longText = "The Acme Corporation hired Jane Doe to lead the Helios project in Berlin last spring."

// -----

func TestExtractSkipsShortText(t *testing.T) {
	stub := &stubLLM{reply: fixedReply("{}")}
	e := New(stub, Config{})

	res, err := e.Extract(context.Background(), "too short", "c1", 0)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Entities) != 0 || len(res.Relations) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
	if stub.callCount() != 0 {
		t.Errorf("LLM called %d times for short input, want 0", stub.callCount())
	}
}

func TestExtractMinLenOverride(t *testing.T) {
	stub := &stubLLM{reply: fixedReply(`{"entities":[{"name":"acme","type":"organization"}],"relations":[]}`)}
	e := New(stub, Config{MinTextLength: 1000})

	// the configured floor would skip this, the caller's floor admits it
	res, err := e.Extract(context.Background(), "acme ships widgets", "q", 5)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("entities = %+v, want acme", res.Entities)
	}
}

func TestExtractParsesRawJSON(t *testing.T) {
	stub := &stubLLM{reply: fixedReply(
		`{"entities":[{"name":"jane doe","type":"person"},{"name":"acme","type":"organization"}],
		  "relations":[{"source":"jane doe","target":"acme","type":"works_for"}]}`)}
	e := New(stub, Config{})

	res, err := e.Extract(context.Background(), longText, "c1", 0)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Entities) != 2 || len(res.Relations) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Relations[0].Source != "jane doe" || res.Relations[0].Target != "acme" {
		t.Errorf("relation = %+v", res.Relations[0])
	}
}

func TestExtractParsesFencedJSON(t *testing.T) {
	stub := &stubLLM{reply: fixedReply("Here is the result:\n```json\n" +
		`{"entities":[{"name":"berlin","type":"location"}],"relations":[]}` + "\n```\nDone.")}
	e := New(stub, Config{})

	res, err := e.Extract(context.Background(), longText, "c1", 0)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Entities) != 1 || res.Entities[0].Name != "berlin" {
		t.Fatalf("entities = %+v", res.Entities)
	}
}

func TestExtractParsesEmbeddedJSON(t *testing.T) {
	stub := &stubLLM{reply: fixedReply(
		`Sure! The extraction is {"entities":[{"name":"helios","type":"product"}],"relations":[]} as requested.`)}
	e := New(stub, Config{})

	res, err := e.Extract(context.Background(), longText, "c1", 0)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Entities) != 1 || res.Entities[0].Name != "helios" {
		t.Fatalf("entities = %+v", res.Entities)
	}
}

func TestExtractGarbageYieldsEmpty(t *testing.T) {
	for _, garbage := range []string{
		"I could not find any entities, sorry.",
		"{not valid json]",
		"",
	} {
		stub := &stubLLM{reply: fixedReply(garbage)}
		e := New(stub, Config{})
		res, err := e.Extract(context.Background(), longText, "c1", 0)
		if err != nil {
			t.Fatalf("Extract(%q): %v", garbage, err)
		}
		if len(res.Entities) != 0 || len(res.Relations) != 0 {
			t.Errorf("Extract(%q) = %+v, want empty", garbage, res)
		}
	}
}

func TestExtractNormalizes(t *testing.T) {
	stub := &stubLLM{reply: fixedReply(`{
		"entities":[
			{"name":"  Acme  ","type":"Organization"},
			{"name":"acme","type":"organization"},
			{"name":"x","type":"term"},
			{"name":"jane doe","type":"person"}
		],
		"relations":[
			{"source":"Jane Doe","target":"ACME","type":"Works_For"},
			{"source":"jane doe","target":"jane doe","type":"self"},
			{"source":"jane doe","target":"ghost corp","type":"works_for"},
			{"source":"jane doe","target":"acme","type":"works_for"}
		]}`)}
	e := New(stub, Config{})

	res, err := e.Extract(context.Background(), longText, "c1", 0)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	wantEntities := []Entity{
		{Name: "acme", Type: "organization"},
		{Name: "jane doe", Type: "person"},
	}
	if !reflect.DeepEqual(res.Entities, wantEntities) {
		t.Errorf("entities = %+v, want %+v", res.Entities, wantEntities)
	}
	// self-loop, unknown endpoint, and case-variant duplicate all dropped
	wantRelations := []Relation{{Source: "jane doe", Target: "acme", Type: "works_for"}}
	if !reflect.DeepEqual(res.Relations, wantRelations) {
		t.Errorf("relations = %+v, want %+v", res.Relations, wantRelations)
	}
}

func TestExtractChatError(t *testing.T) {
	stub := &stubLLM{reply: func(string) (string, error) { return "", errors.New("backend down") }}
	e := New(stub, Config{})

	if _, err := e.Extract(context.Background(), longText, "c1", 0); err == nil {
		t.Fatal("expected error from failing chat")
	}
}

// -----

func TestBatchExtractIsolatesFailures(t *testing.T) {
	stub := &stubLLM{reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "poison") {
			return "", errors.New("model crashed")
		}
		return `{"entities":[{"name":"acme","type":"organization"}],"relations":[]}`, nil
	}}
	e := New(stub, Config{})

	items := []Item{
		{ChunkID: "a", Text: longText},
		{ChunkID: "b", Text: longText + " poison"},
		{ChunkID: "c", Text: longText},
	}
	results, err := e.BatchExtract(context.Background(), items, 2)
	if err != nil {
		t.Fatalf("BatchExtract: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if len(results[0].Entities) != 1 || len(results[2].Entities) != 1 {
		t.Errorf("healthy items lost their results: %+v", results)
	}
	if len(results[1].Entities) != 0 {
		t.Errorf("failed item produced entities: %+v", results[1])
	}
}

func TestBatchExtractAllFailed(t *testing.T) {
	stub := &stubLLM{reply: func(string) (string, error) { return "", errors.New("down") }}
	e := New(stub, Config{})

	items := []Item{{ChunkID: "a", Text: longText}, {ChunkID: "b", Text: longText}}
	if _, err := e.BatchExtract(context.Background(), items, 2); err == nil {
		t.Fatal("expected error when every item fails")
	}
}

func TestBatchExtractConcurrencyBound(t *testing.T) {
	var inFlight, peak int32
	stub := &stubLLM{reply: func(string) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "{}", nil
	}}
	e := New(stub, Config{})

	items := make([]Item, 8)
	for i := range items {
		items[i] = Item{ChunkID: fmt.Sprintf("c%d", i), Text: longText}
	}
	if _, err := e.BatchExtract(context.Background(), items, 2); err != nil {
		t.Fatalf("BatchExtract: %v", err)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestMerge(t *testing.T) {
	results := []Result{
		{
			Entities:  []Entity{{Name: "acme", Type: "organization"}, {Name: "jane doe", Type: "person"}},
			Relations: []Relation{{Source: "jane doe", Target: "acme", Type: "works_for"}},
		},
		{
			Entities:  []Entity{{Name: "acme", Type: "organization"}, {Name: "berlin", Type: "location"}},
			Relations: []Relation{{Source: "jane doe", Target: "acme", Type: "works_for"}},
		},
	}
	merged := Merge(results)
	if len(merged.Entities) != 3 {
		t.Errorf("entities = %+v, want 3 unique", merged.Entities)
	}
	if len(merged.Relations) != 1 {
		t.Errorf("relations = %+v, want 1 unique", merged.Relations)
	}
}
