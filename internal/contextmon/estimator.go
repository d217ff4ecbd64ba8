package contextmon

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator turns task labels into token-cost estimates. It prefers a real BPE
// encoding; when the encoding cannot be loaded (offline hosts) it falls back
// to a characters/4 heuristic.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// taskWeights scale the base text cost by what the label says the task does.
var taskWeights = []struct {
	keyword string
	weight  float64
}{
	{"refactor", 3.0},
	{"implement", 2.5},
	{"debug", 2.0},
	{"test", 1.5},
	{"review", 1.2},
	{"document", 1.0},
	{"fix", 1.8},
}

const baseTaskCost = 400

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// CountTokens returns the token length of text.
func (e *Estimator) CountTokens(text string) int {
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimateTask returns the heuristic token cost of executing a described task.
// The label's own token count is a small part; the dominant factor is the
// keyword-weighted base cost.
func (e *Estimator) EstimateTask(label string) int {
	weight := 1.0
	lower := strings.ToLower(label)
	for _, kw := range taskWeights {
		if strings.Contains(lower, kw.keyword) {
			if kw.weight > weight {
				weight = kw.weight
			}
		}
	}
	return int(float64(baseTaskCost)*weight) + e.CountTokens(label)
}
