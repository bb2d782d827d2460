package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/wa-lm-relay-go/internal/config"
	"github.com/wa-lm-relay-go/internal/models"
)

// Service defines reply cache operations
type Service interface {
	Lookup(question, model string) (string, bool)
	Store(question, model, answer string)
	Flush()
}

// ReplyCache remembers recent answers per question/model pair so repeated
// questions skip the backend entirely.
type ReplyCache struct {
	enabled bool
	cache   *cache.Cache
	logger  *logrus.Logger
	maxSize int
}

// NewReplyCache creates a new reply cache
func NewReplyCache(cfg *config.CacheConfig, logger *logrus.Logger) Service {
	if !cfg.Enabled {
		return &ReplyCache{enabled: false}
	}

	return &ReplyCache{
		enabled: true,
		cache:   cache.New(cfg.TTL, cfg.TTL*2),
		logger:  logger,
		maxSize: cfg.MaxSize,
	}
}

// Lookup retrieves a cached reply
func (c *ReplyCache) Lookup(question, model string) (string, bool) {
	if !c.enabled {
		return "", false
	}

	if val, found := c.cache.Get(replyKey(question, model)); found {
		entry := val.(*models.ReplyEntry)
		c.logger.WithFields(logrus.Fields{
			"model": model,
			"age":   time.Since(entry.CreatedAt),
		}).Debug("Reply cache hit")
		return entry.Answer, true
	}
	return "", false
}

// Store saves a reply
func (c *ReplyCache) Store(question, model, answer string) {
	if !c.enabled {
		return
	}

	if c.cache.ItemCount() >= c.maxSize {
		c.logger.Warn("Reply cache size limit reached, dropping expired entries")
		c.cache.DeleteExpired()
	}

	c.cache.SetDefault(replyKey(question, model), &models.ReplyEntry{
		Question:  question,
		Answer:    answer,
		Model:     model,
		CreatedAt: time.Now(),
	})
}

// Flush removes all cached replies
func (c *ReplyCache) Flush() {
	if !c.enabled {
		return
	}
	c.cache.Flush()
	c.logger.Info("Reply cache cleared")
}

func replyKey(question, model string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", model, question)))
	return hex.EncodeToString(hash[:])
}
