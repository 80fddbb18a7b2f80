package classifier

import (
	"strings"
)

type Level string

const (
	LevelSimple   Level = "simple"
	LevelModerate Level = "moderate"
	LevelComplex  Level = "complex"
)

type Analysis struct {
	Level Level `json:"level"`
	Score int   `json:"score"`
}

// Decision reports whether a keyword forces the async-job channel.
type Decision struct {
	Force   bool   `json:"force"`
	Keyword string `json:"keyword,omitempty"`
}

var DefaultForceKeywords = []string{
	"full report",
	"detailed report",
	"comprehensive analysis",
	"root cause analysis",
	"deep dive",
	"postmortem",
}

const (
	maxWordScore     = 40
	scorePerWord     = 2
	complexWeight    = 20
	moderateWeight   = 10
	questionWeight   = 5
	maxIndicatorHits = 2

	moderateFloor = 30
	complexFloor  = 60
)

var (
	complexIndicators = []string{
		"analyze",
		"analyse",
		"compare",
		"correlate",
		"investigate",
		"across",
		"trend",
		"architecture",
		"trade-off",
		"all services",
	}

	moderateIndicators = []string{
		"explain",
		"how",
		"why",
		"debug",
		"fix",
		"error",
		"summarize",
	}
)

type Classifier struct {
	keywords []string
}

// New returns a classifier that forces the async channel for any of
// keywords. An empty list uses DefaultForceKeywords.
func New(keywords []string) *Classifier {
	if len(keywords) == 0 {
		keywords = DefaultForceKeywords
	}

	normalized := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			normalized = append(normalized, k)
		}
	}

	return &Classifier{keywords: normalized}
}

func (c *Classifier) Analyze(query string) Analysis {
	q := strings.ToLower(query)

	score := min(len(strings.Fields(q))*scorePerWord, maxWordScore)
	score += hits(q, complexIndicators) * complexWeight
	score += hits(q, moderateIndicators) * moderateWeight

	if questions := strings.Count(q, "?"); questions > 1 {
		score += (questions - 1) * questionWeight
	}

	score = min(score, 100)

	return Analysis{Level: levelFor(score), Score: score}
}

func (c *Classifier) ShouldForceChannel(query string) Decision {
	q := strings.ToLower(query)
	for _, k := range c.keywords {
		if strings.Contains(q, k) {
			return Decision{Force: true, Keyword: k}
		}
	}
	return Decision{}
}

func hits(q string, indicators []string) int {
	n := 0
	for _, ind := range indicators {
		if strings.Contains(q, ind) {
			n++
			if n == maxIndicatorHits {
				break
			}
		}
	}
	return n
}

func levelFor(score int) Level {
	switch {
	case score >= complexFloor:
		return LevelComplex
	case score >= moderateFloor:
		return LevelModerate
	default:
		return LevelSimple
	}
}
