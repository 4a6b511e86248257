package consensus

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/KafClaw/KafPanel/internal/panel"
)

// ClaimsStrategy splits responses into sentence-level claims and links two
// claims when one largely covers the other. Linked claims form a topic.
// Every claim in a topic casts one confidence-weighted vote for its stance,
// and only topics that at least two experts spoke to count. The level is
// the majority-side weight over the total weight of counted topics.
//
// Topics are the connected components of the link graph, so they do not
// depend on response order, and a short claim contained in a longer one
// lands in the same topic. Adding a response whose claims side with the
// majority of every topic they join, or with every claim of a topic only
// one other expert spoke to, therefore never lowers the level.
type ClaimsStrategy struct {
	// Similarity is the overlap coefficient two claims need to link.
	Similarity float64
}

// Claims returns the default claims strategy.
func Claims() *ClaimsStrategy {
	return &ClaimsStrategy{Similarity: 0.6}
}

func (s *ClaimsStrategy) Name() string { return "claims" }

type claim struct {
	expert   string
	text     string
	tokens   map[string]struct{}
	negative bool
	weight   float64
}

func (s *ClaimsStrategy) Evaluate(_ int, responses []panel.ExpertResponse) Result {
	threshold := s.Similarity
	if threshold <= 0 || threshold > 1 {
		threshold = 0.6
	}

	var claims []claim
	for _, r := range responses {
		w := weight(r.Confidence)
		seen := map[string]bool{}
		for _, c := range extractClaims(r.Text) {
			key := c.key()
			if seen[key] {
				continue
			}
			seen[key] = true
			c.expert, c.weight = r.ExpertID, w
			claims = append(claims, c)
		}
	}

	var res Result
	var majority, total float64
	for _, topic := range topics(claims, threshold) {
		var pos, neg float64
		experts := map[string]struct{}{}
		for _, c := range topic {
			experts[c.expert] = struct{}{}
			if c.negative {
				neg += c.weight
			} else {
				pos += c.weight
			}
		}
		if len(experts) < 2 {
			continue
		}
		total += pos + neg
		majorityNegative := neg > pos
		majority += max(pos, neg)

		var rep *claim
		agree, against := map[string]struct{}{}, map[string]struct{}{}
		for i := range topic {
			c := &topic[i]
			if c.negative == majorityNegative {
				agree[c.expert] = struct{}{}
				if rep == nil {
					rep = c
				}
			} else {
				against[c.expert] = struct{}{}
			}
		}
		if len(against) == 0 {
			res.Agreement = append(res.Agreement, rep.text)
			continue
		}
		res.Disagreement = append(res.Disagreement, fmt.Sprintf("%s (for: %s; against: %s)",
			rep.text, joinSorted(agree), joinSorted(against)))
	}
	if total > 0 {
		res.Level = majority / total
	}
	return res
}

// key identifies a claim by stance and token set, so an expert repeating
// itself votes once.
func (c claim) key() string {
	toks := make([]string, 0, len(c.tokens))
	for t := range c.tokens {
		toks = append(toks, t)
	}
	sort.Strings(toks)
	if c.negative {
		return "-" + strings.Join(toks, " ")
	}
	return "+" + strings.Join(toks, " ")
}

// weight maps a confidence in [0,1] to a vote weight in [0.5,1]. Absent
// confidence counts as 0.75.
func weight(conf *float64) float64 {
	if conf == nil {
		return 0.75
	}
	return 0.5 + *conf/2
}

// topics groups claims into the connected components of the link graph.
// Components and their members keep the order of first appearance.
func topics(claims []claim, threshold float64) [][]claim {
	parent := make([]int, len(claims))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i := range claims {
		for j := i + 1; j < len(claims); j++ {
			if linked(claims[i].tokens, claims[j].tokens, threshold) {
				ri, rj := find(i), find(j)
				if ri != rj {
					parent[max(ri, rj)] = min(ri, rj)
				}
			}
		}
	}

	index := map[int]int{}
	var out [][]claim
	for i, c := range claims {
		root := find(i)
		k, ok := index[root]
		if !ok {
			k = len(out)
			index[root] = k
			out = append(out, nil)
		}
		out[k] = append(out[k], c)
	}
	return out
}

// linked reports whether the smaller token set is mostly contained in the
// larger one. Claims of two or more tokens must share at least two.
func linked(a, b map[string]struct{}, threshold float64) bool {
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	if len(small) == 0 {
		return false
	}
	shared := 0
	for t := range small {
		if _, ok := large[t]; ok {
			shared++
		}
	}
	if shared < min(2, len(small)) {
		return false
	}
	return float64(shared)/float64(len(small)) >= threshold
}

func joinSorted(set map[string]struct{}) string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func extractClaims(text string) []claim {
	var out []claim
	for _, sentence := range splitSentences(text) {
		c := claim{text: sentence, tokens: map[string]struct{}{}}
		negations := 0
		for _, word := range words(sentence) {
			if _, neg := negationWords[word]; neg {
				negations++
				continue
			}
			if strings.HasSuffix(word, "n't") {
				negations++
				word = strings.TrimSuffix(word, "n't")
			}
			if _, stop := stopWords[word]; stop || len(word) < 2 {
				continue
			}
			c.tokens[stem(word)] = struct{}{}
		}
		if len(c.tokens) == 0 {
			continue
		}
		c.negative = negations%2 == 1
		out = append(out, c)
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		s = strings.TrimLeft(s, "-*• ")
		if s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for _, r := range text {
		switch r {
		case '.', '!', '?', ';', '\n':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return out
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func stem(w string) string {
	w = strings.Trim(w, "'")
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

var negationWords = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "nor": {}, "neither": {}, "cannot": {}, "against": {}, "without": {},
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "if": {}, "then": {}, "so": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {}, "it": {}, "its": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "to": {}, "of": {}, "in": {}, "on": {}, "for": {},
	"with": {}, "as": {}, "at": {}, "by": {}, "from": {}, "we": {}, "i": {}, "you": {}, "they": {},
	"our": {}, "their": {}, "should": {}, "would": {}, "could": {}, "will": {}, "can": {}, "do": {},
	"does": {}, "did": {}, "has": {}, "have": {}, "had": {}, "very": {}, "also": {}, "think": {},
	"believe": {}, "agree": {}, "yes": {}, "must": {}, "may": {}, "might": {}, "wo": {}, "ca": {},
}
