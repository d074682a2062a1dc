package assembly

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/finrag/backend/pkg/logger"
)

type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter approximates four characters per token.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TiktokenCounter counts with a BPE encoding, falling back to the estimate
// when the encoding cannot be loaded (it is fetched on first use).
type TiktokenCounter struct {
	encoding string
	logger   *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string, log *zap.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding, logger: logger.OrDefault(log).Named("tokens")}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.logger.Warn("Tokenizer unavailable, using length estimate",
				zap.String("encoding", c.encoding),
				zap.Error(err),
			)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return EstimateCounter{}.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}
