package embedding

// Token ceiling defaults. The ceil(len/4) estimate deliberately
// under-approximates real tokenizers so batches stay safely below provider
// limits.
const (
	DefaultMaxBatchTokens = 280_000
	DefaultMaxBatchItems  = 1000
)

// estimateTokens approximates the token count of a text as ceil(len/4).
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// batch is one provider call: indexes point back into the caller's slice.
type batch struct {
	indexes []int
	texts   []string
	tokens  int
}

// planBatches splits texts into batches bounded by both a token sum and an
// item count. A single text over the token ceiling is submitted alone.
func planBatches(texts []string, maxTokens, maxItems int) []batch {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxBatchTokens
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxBatchItems
	}

	var out []batch
	cur := batch{}
	flush := func() {
		if len(cur.texts) > 0 {
			out = append(out, cur)
			cur = batch{}
		}
	}
	for i, t := range texts {
		tokens := estimateTokens(t)
		if tokens > maxTokens {
			flush()
			out = append(out, batch{indexes: []int{i}, texts: []string{t}, tokens: tokens})
			continue
		}
		if cur.tokens+tokens > maxTokens || len(cur.texts)+1 > maxItems {
			flush()
		}
		cur.indexes = append(cur.indexes, i)
		cur.texts = append(cur.texts, t)
		cur.tokens += tokens
	}
	flush()
	return out
}
