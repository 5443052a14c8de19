package engine

import "regexp"

// SlopViolation names the category of a detected tell.
type SlopViolation struct {
	Category string
}

// SlopReport is the result of running the slop detector over draft text.
type SlopReport struct {
	IsSlop     bool
	Violations []SlopViolation
}

type slopRule struct {
	category string
	re       *regexp.Regexp
}

// Patterns target text that reads like an assistant instead of a friend.
var slopRules = []slopRule{
	{"assistant_speak", regexp.MustCompile(`(?i)\bas an ai\b|\bas a language model\b|\bi'?m (just )?an ai\b|\bi cannot assist\b|\bhow (can|may) i (help|assist) you\b`)},
	{"ai_vocabulary", regexp.MustCompile(`(?i)\bdelve\b|\bnuanced\b|\btapestry\b|\bmultifaceted\b|\bleverage\b|\bsynergy\b|\bparadigm\b|\bholistic\b`)},
	{"stock_phrases", regexp.MustCompile(`(?i)\bit'?s (important|worth) (to note|noting)\b|\bat the end of the day\b|\bin today'?s (fast-paced )?world\b|\bwhen it comes to\b|\bin conclusion\b|\bto summarize\b`)},
	{"forced_enthusiasm", regexp.MustCompile(`(?i)^(great|excellent|awesome|fantastic|wonderful) (question|point|idea)\b|\bi'?d be (happy|glad|delighted) to\b|\babsolutely!\s|\bcertainly!\s`)},
	{"restatement", regexp.MustCompile(`(?i)^(so,? )?(you'?re (asking|saying|wondering)|to (answer|address) your question)\b|\blet me (help you with|break (this|that|it) down)\b`)},
	{"sign_off", regexp.MustCompile(`(?i)\b(feel free to|don'?t hesitate to) (ask|reach out)\b|\blet me know if (you have any|there'?s anything)\b|\bis there anything else\b|\bhope (this|that) helps\b`)},
	{"list_formatting", regexp.MustCompile(`(?m)^\s*(\d+\.|[-*•])\s+\S.*\n\s*(\d+\.|[-*•])\s`)},
}

// CheckSlop scans draft text for LLM tells. Every matching category is
// reported so the regen directive can name what to fix.
func CheckSlop(text string) SlopReport {
	var r SlopReport
	for _, rule := range slopRules {
		if rule.re.MatchString(text) {
			r.Violations = append(r.Violations, SlopViolation{Category: rule.category})
		}
	}
	r.IsSlop = len(r.Violations) > 0
	return r
}
