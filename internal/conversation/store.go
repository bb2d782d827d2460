// Package conversation keeps bounded per-sender chat history in memory.
// History lives for the process lifetime only; restarts start fresh.
package conversation

import (
	"hash/fnv"
	"sync"

	"github.com/wa-lm-relay-go/internal/models"
)

const defaultMaxTurns = 8

// shardCount spreads senders over independent locks so unrelated
// conversations never serialize on each other.
const shardCount = 16

// Store maps sender ids to their recent conversation turns. Safe for
// concurrent use; appends for a single sender are atomic.
type Store struct {
	maxTurns int
	shards   [shardCount]*shard
}

type shard struct {
	mu            sync.RWMutex
	conversations map[string][]models.Message
}

// NewStore creates a store keeping at most maxTurns turns per sender.
func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	s := &Store{maxTurns: maxTurns}
	for i := range s.shards {
		s.shards[i] = &shard{conversations: make(map[string][]models.Message)}
	}
	return s
}

// History returns a copy of the most recent turns for the sender, oldest
// first. Unknown senders get an empty slice.
func (s *Store) History(senderID string) []models.Message {
	sh := s.shardFor(senderID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	turns := sh.conversations[senderID]
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}

	out := make([]models.Message, len(turns))
	copy(out, turns)
	return out
}

// Append records one completed exchange: the user turn followed by the
// assistant turn. The stored sequence is truncated to the configured bound
// so memory stays flat no matter how long a conversation runs.
func (s *Store) Append(senderID, userText, assistantText string) {
	sh := s.shardFor(senderID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	turns := append(sh.conversations[senderID],
		models.Message{Role: models.RoleUser, Content: userText},
		models.Message{Role: models.RoleAssistant, Content: assistantText},
	)
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	sh.conversations[senderID] = turns
}

// Len returns the number of stored turns for the sender.
func (s *Store) Len(senderID string) int {
	sh := s.shardFor(senderID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.conversations[senderID])
}

// Senders returns the number of senders with stored history.
func (s *Store) Senders() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.conversations)
		sh.mu.RUnlock()
	}
	return total
}

func (s *Store) shardFor(senderID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(senderID))
	return s.shards[h.Sum32()%shardCount]
}
