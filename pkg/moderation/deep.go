package moderation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"chatcore/pkg/llm"
	"chatcore/pkg/logx"
)

// Classifier is the gateway capability used by the deep tier.
type Classifier interface {
	Classify(ctx context.Context, text string) (llm.Verdict, error)
}

// Deep asks the text-generation gateway for a verdict. Failures are fail-open: the text
// is treated as clean and the error is only logged.
type Deep struct {
	classifier Classifier
	cache      *lru.Cache[string, bool]
	timeout    time.Duration
	logger     *logx.Logger
}

// NewDeep creates the deep tier. cacheSize <= 0 disables caching; timeout <= 0 uses the
// caller's deadline only.
func NewDeep(classifier Classifier, cacheSize int, timeout time.Duration) (*Deep, error) {
	d := &Deep{classifier: classifier, timeout: timeout, logger: logx.NewLogger("moderation")}
	if cacheSize > 0 {
		cache, err := lru.New[string, bool](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create verdict cache: %w", err)
		}
		d.cache = cache
	}
	return d, nil
}

func (d *Deep) ShouldFlag(ctx context.Context, text string) (bool, string) {
	key := cacheKey(text)
	if d.cache != nil {
		if flagged, ok := d.cache.Get(key); ok {
			return verdict(flagged)
		}
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	v, err := d.classifier.Classify(callCtx, text)
	if err != nil {
		d.logger.Warn("deep moderation unavailable, allowing message: %v", err)
		return false, ""
	}

	flagged := v == llm.VerdictFlag
	if d.cache != nil {
		d.cache.Add(key, flagged)
	}
	return verdict(flagged)
}

func verdict(flagged bool) (bool, string) {
	if flagged {
		return true, ReasonDeep
	}
	return false, ""
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
