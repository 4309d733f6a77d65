package race

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/typeracer/go/internal/docstore"
)

// DefaultSentences is the built-in race text pool.
var DefaultSentences = []string{
	"But when a man suspects any wrong, it sometimes happens that if he be already involved in the matter, he insensibly strives to cover up his suspicions even from himself.",
	"Some enchanted evening, you may see a stranger. You may see a stranger across a crowded room, and somehow you know, you know even then, that somewhere you'll see her again and again.",
	"Keep in mind that many people have died for their beliefs; it's actually quite common. The real courage is in living and suffering for what you believe.",
}

// SentenceProvider yields the immutable race text for a new room.
type SentenceProvider interface {
	Sentence() string
}

// RandomSentences picks uniformly from a fixed list.
type RandomSentences struct {
	sentences []string
	mu        sync.Mutex
	rng       *rand.Rand
}

// NewRandomSentences constructs a provider with its own seed. Blank entries are dropped.
func NewRandomSentences(sentences []string) *RandomSentences {
	kept := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if strings.TrimSpace(s) != "" {
			kept = append(kept, s)
		}
	}
	return &RandomSentences{
		sentences: kept,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Sentence implements SentenceProvider. It returns "" for an empty list.
func (p *RandomSentences) Sentence() string {
	if len(p.sentences) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentences[p.rng.Intn(len(p.sentences))]
}

// FixedSentence always returns the same text.
type FixedSentence string

// Sentence implements SentenceProvider.
func (f FixedSentence) Sentence() string { return string(f) }

// Identity is the stable per-session player identity.
type Identity struct {
	ID   string
	Name string
}

// ValidPlayerID reports whether id can name a player record.
func ValidPlayerID(id string) bool {
	return docstore.ValidSegment(id)
}

// NewIdentity fills in a generated id and the placeholder name when missing.
// An id that cannot name a player record is replaced by a generated one.
func NewIdentity(id, name string) Identity {
	if !ValidPlayerID(id) {
		id = uuid.New().String()
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultPlayerName(id)
	}
	return Identity{ID: id, Name: name}
}

// DefaultPlayerName is the placeholder label for players without a name.
func DefaultPlayerName(id string) string {
	short := id
	if len(short) > 5 {
		short = short[:5]
	}
	return "Player-" + short
}

// NewRoomCode returns a short shareable room code.
func NewRoomCode() string {
	return strings.ToUpper(uuid.New().String()[:6])
}
