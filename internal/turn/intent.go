package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/arkhamlabs/keeperd/internal/observe"
	"github.com/arkhamlabs/keeperd/pkg/oracle"
)

// VisibleEntity is one NPC or object the player can currently see, passed to
// the parser so the oracle grounds targets in the scene.
type VisibleEntity struct {
	ID   string
	Name string
}

const intentSystemPrompt = `You are the action parser of a Call of Cthulhu game engine.
Classify the player's input into exactly one intent from this set:
inspect, talk, take, use, use_skill, move, help_woman, leave_woman, take_amelia_in_car, unknown.
Respond with a single JSON object:
{"intent": "...", "target": "...", "topic": "...", "target_location_id": 0, "skill_check_request": []}
Rules:
- "target" must name one of the listed NPCs or objects, or be empty.
- "target_location_id" is the numeric map id for move intents, else 0.
- "skill_check_request" lists skill names only for use_skill intents.
- If the input fits no intent, use "unknown". Never invent intents.`

// Parser normalizes free player text into an [Action].
type Parser struct {
	oracle  oracle.Oracle
	metrics *observe.Metrics
	log     *slog.Logger
	timeout time.Duration
}

// ParserOption configures a [Parser].
type ParserOption func(*Parser)

// WithParserTimeout overrides the per-call oracle deadline.
func WithParserTimeout(d time.Duration) ParserOption {
	return func(p *Parser) { p.timeout = d }
}

// WithParserLogger overrides the logger.
func WithParserLogger(log *slog.Logger) ParserOption {
	return func(p *Parser) { p.log = log }
}

// NewParser creates a Parser over the given oracle.
func NewParser(o oracle.Oracle, m *observe.Metrics, opts ...ParserOption) *Parser {
	p := &Parser{
		oracle:  o,
		metrics: m,
		log:     slog.Default(),
		timeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// intentWire is the JSON shape the oracle must return.
type intentWire struct {
	Intent            string   `json:"intent"`
	Target            string   `json:"target"`
	Topic             string   `json:"topic"`
	TargetLocationID  int      `json:"target_location_id"`
	SkillCheckRequest []string `json:"skill_check_request"`
}

// Parse classifies input against the visible scene. It never fails: any
// oracle error, invalid JSON, or out-of-enum value degrades to an unknown
// intent carrying the raw text.
func (p *Parser) Parse(ctx context.Context, input string, npcs, objects []VisibleEntity) Action {
	unknown := Action{Intent: IntentUnknown, RawText: input}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	raw, err := p.oracle.Generate(ctx, oracle.Request{
		SystemPrompt: intentSystemPrompt,
		Messages: []oracle.Message{
			{Role: "user", Content: scenePrompt(input, npcs, objects)},
		},
		ForceJSON:   true,
		Temperature: 0.1,
	})
	p.metrics.RecordOracleDuration(ctx, "intent", time.Since(start))
	if err != nil {
		p.metrics.RecordOracleError(ctx, "intent", "call")
		p.log.Warn("intent: oracle call failed", "error", err)
		return unknown
	}

	var w intentWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		p.metrics.RecordOracleError(ctx, "intent", "parse")
		p.log.Warn("intent: unparseable oracle response", "error", err)
		return unknown
	}
	intent := Intent(w.Intent)
	if !intent.Valid() {
		p.metrics.RecordOracleError(ctx, "intent", "enum")
		p.log.Warn("intent: value outside enum", "intent", w.Intent)
		return unknown
	}

	return Action{
		Intent:            intent,
		Target:            NormalizeTarget(w.Target, append(append([]VisibleEntity(nil), npcs...), objects...)),
		Topic:             w.Topic,
		TargetLocationID:  w.TargetLocationID,
		SkillCheckRequest: w.SkillCheckRequest,
		RawText:           input,
	}
}

func scenePrompt(input string, npcs, objects []VisibleEntity) string {
	var b strings.Builder
	b.WriteString("NPCs present:")
	if len(npcs) == 0 {
		b.WriteString(" none")
	}
	for _, n := range npcs {
		fmt.Fprintf(&b, " %s (id %s);", n.Name, n.ID)
	}
	b.WriteString("\nObjects present:")
	if len(objects) == 0 {
		b.WriteString(" none")
	}
	for _, o := range objects {
		fmt.Fprintf(&b, " %s (id %s);", o.Name, o.ID)
	}
	b.WriteString("\nPlayer input: ")
	b.WriteString(input)
	return b.String()
}

// Thresholds for fuzzy target matching. A phonetic candidate needs a lower
// string-similarity score than a pure fuzzy one.
const (
	phoneticThreshold = 0.70
	fuzzyThreshold    = 0.85
)

// NormalizeTarget maps an oracle-returned target string onto the id of a
// visible entity. Exact id and case-insensitive name matches win; otherwise
// Double Metaphone overlap plus Jaro-Winkler similarity picks the closest
// candidate. An unmatched target is returned unchanged so precondition
// comparison can still see it.
func NormalizeTarget(target string, entities []VisibleEntity) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	lower := strings.ToLower(target)

	for _, e := range entities {
		if e.ID == target || strings.ToLower(e.Name) == lower {
			return e.ID
		}
	}

	tp, ts := matchr.DoubleMetaphone(lower)
	var (
		bestID       string
		bestScore    float64
		bestPhonetic bool
	)
	for _, e := range entities {
		name := strings.ToLower(e.Name)
		ep, es := matchr.DoubleMetaphone(name)
		phonetic := tp != "" && (tp == ep || tp == es) || ts != "" && (ts == ep || ts == es)
		score := matchr.JaroWinkler(lower, name, false)
		if s := matchr.JaroWinkler(lower, strings.ToLower(e.ID), false); s > score {
			score = s
		}

		switch {
		case phonetic && score >= phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				bestID, bestScore, bestPhonetic = e.ID, score, true
			}
		case !bestPhonetic && score >= fuzzyThreshold && score > bestScore:
			bestID, bestScore = e.ID, score
		}
	}
	if bestID != "" {
		return bestID
	}
	return target
}
