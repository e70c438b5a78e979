package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"jumith/internal/domain"
)

const extractPrompt = "You extract user facts from messages. Return ONLY a JSON array of objects " +
	`with keys "key" and "value". Use short, stable, lowercase keys with underscores. ` +
	"Only include facts explicitly stated by the user. If no facts, return []."

// FactWriter is where extracted facts are stored.
type FactWriter interface {
	UpsertFacts(ctx context.Context, facts []domain.Fact) error
}

// Extractor pulls durable user facts out of a chat message. With a model it
// asks the model; without one it falls back to phrase heuristics.
type Extractor struct {
	model  domain.ChatModel
	store  FactWriter
	logger *slog.Logger
}

func NewExtractor(model domain.ChatModel, store FactWriter, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{model: model, store: store, logger: logger}
}

// Extract stores the facts found in userMessage and returns them. Output the
// model did not format as a JSON array yields no facts and no error.
func (e *Extractor) Extract(ctx context.Context, userMessage string) ([]domain.Fact, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, nil
	}
	var facts []domain.Fact
	if e.model == nil {
		facts = heuristicFacts(userMessage)
	} else {
		zero := 0.0
		reply, err := e.model.Chat(ctx, []domain.Message{
			{Role: "system", Content: extractPrompt},
			{Role: "user", Content: userMessage},
		}, domain.ChatOptions{Temperature: &zero})
		if err != nil {
			return nil, fmt.Errorf("fact extraction failed: %w", err)
		}
		facts = ParseFacts(reply)
	}
	if len(facts) == 0 {
		return nil, nil
	}
	if err := e.store.UpsertFacts(ctx, facts); err != nil {
		return nil, fmt.Errorf("fact extraction failed: %w", err)
	}
	keys := make([]string, len(facts))
	for i, f := range facts {
		keys[i] = f.Key
	}
	e.logger.Info("facts saved", "keys", keys)
	return facts, nil
}

// ParseFacts reads the outermost JSON array in text. Items without a string
// key and value are dropped.
func ParseFacts(text string) []domain.Fact {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end <= start {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil
	}
	var facts []domain.Fact
	for _, raw := range items {
		var item struct {
			Key   *string `json:"key"`
			Value *string `json:"value"`
		}
		if err := json.Unmarshal(raw, &item); err != nil || item.Key == nil || item.Value == nil {
			continue
		}
		key := NormalizeKey(*item.Key)
		value := strings.TrimSpace(*item.Value)
		if key == "" || value == "" {
			continue
		}
		facts = append(facts, domain.Fact{Key: key, Value: value})
	}
	return facts
}

var (
	keyDisallowed = regexp.MustCompile(`[^a-z0-9\s_-]`)
	keySpaces     = regexp.MustCompile(`\s+`)
)

// NormalizeKey lowercases key and reduces it to [a-z0-9_-].
func NormalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = keyDisallowed.ReplaceAllString(k, "")
	return keySpaces.ReplaceAllString(k, "_")
}

// Phrase cues for the model-less fallback, grouped by the fact key they feed.
var heuristicCues = []struct {
	key     string
	phrases []string
}{
	{"preference", []string{"i like", "i prefer", "my favorite", "i love", "i hate", "i don't like"}},
	{"about_me", []string{"my name is", "i work at", "i live in", "i am from", "my job is", "i'm a"}},
	{"instruction", []string{"remember that", "always ", "never ", "don't forget", "keep in mind"}},
}

func heuristicFacts(msg string) []domain.Fact {
	lower := strings.ToLower(msg)
	var facts []domain.Fact
	for _, cue := range heuristicCues {
		for _, p := range cue.phrases {
			if strings.Contains(lower, p) {
				facts = append(facts, domain.Fact{Key: cue.key, Value: strings.TrimSpace(msg)})
				break
			}
		}
	}
	return facts
}
